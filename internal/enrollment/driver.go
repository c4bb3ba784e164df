// Package enrollment drives the interactive fingerprint capture ritual on a
// terminal and manages enrollment sessions end to end.
package enrollment

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"school-attendance-platform/internal/broadcast"
	"school-attendance-platform/internal/device"
	"school-attendance-platform/internal/types"
	"school-attendance-platform/internal/zkproto"
)

// DefaultEventTimeout bounds each wait for a device event frame.
const DefaultEventTimeout = 60 * time.Second

// defaultAttempts is the number of finger presses the firmware collects.
const defaultAttempts = 3

// Emit receives one progress step. eventType and status use the broadcast
// package's enrollment constants.
type Emit func(eventType string, progress int, status, message string)

// Outcome is the terminal result of one driver run.
type Outcome struct {
	Status   types.EnrollmentStatus
	Reason   string
	Quality  int
	Template []byte
}

// Driver walks one enrollment through the device's three-press ritual. It
// consumes event frames only; the session it is handed stays owned by the
// caller. One Driver serves one run.
type Driver struct {
	attempts     int
	eventTimeout time.Duration
	logger       *logrus.Entry
	cancelled    atomic.Bool
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithEventTimeout overrides the per-frame wait.
func WithEventTimeout(d time.Duration) DriverOption {
	return func(dr *Driver) { dr.eventTimeout = d }
}

// NewDriver builds a driver for a single run.
func NewDriver(logger *logrus.Logger, opts ...DriverOption) *Driver {
	d := &Driver{
		attempts:     defaultAttempts,
		eventTimeout: DefaultEventTimeout,
		logger:       logger.WithField("component", "enrollment-driver"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Cancel flags the run; the driver notices before its next event wait.
func (d *Driver) Cancel() {
	d.cancelled.Store(true)
}

// Run executes the ritual: register for enroll events, kick off capture,
// read two frames per attempt and one final summary frame, then verify the
// stored template. Event registration and capture are always torn down, on
// every exit path.
func (d *Driver) Run(client device.Client, userID string, fingerIndex int, emit Emit) Outcome {
	log := d.logger.WithFields(logrus.Fields{"user_id": userID, "finger": fingerIndex})

	if err := client.RegisterEvents(zkproto.EFEnrollFinger); err != nil {
		return Outcome{Status: types.EnrollmentFailed, Reason: fmt.Sprintf("event registration failed: %v", err)}
	}
	defer func() {
		if err := client.RegisterEvents(0); err != nil {
			log.WithError(err).Warn("Failed to clear event registration")
		}
		client.CancelCapture()
	}()

	if err := client.StartEnrollment(userID, fingerIndex); err != nil {
		return Outcome{Status: types.EnrollmentFailed, Reason: fmt.Sprintf("device refused enrollment: %v", err)}
	}

	emit(broadcast.EnrollmentEventProgress, 0, broadcast.EnrollmentStateReady, "Place finger on the scanner")

	for attempt := 1; attempt <= d.attempts; attempt++ {
		for frame := 0; frame < 2; {
			ev, out := d.nextEvent(client, log)
			if out != nil {
				return *out
			}
			if ev.Result == zkproto.EnrollResultLowQuality {
				emit(broadcast.EnrollmentEventProgress, 33, broadcast.EnrollmentStateCapturing,
					"Low quality read, press the same finger again")
				continue
			}
			frame++
			if frame == 1 {
				emit(broadcast.EnrollmentEventProgress, 33, broadcast.EnrollmentStatePlacing,
					fmt.Sprintf("Finger detected (press %d of %d)", attempt, d.attempts))
			} else {
				emit(broadcast.EnrollmentEventProgress, 66, broadcast.EnrollmentStateProcessing,
					fmt.Sprintf("Processing press %d of %d", attempt, d.attempts))
			}
		}
	}

	final, out := d.nextEvent(client, log)
	if out != nil {
		return *out
	}
	// Observed firmware reports non-zero codes (46, 50, 54, 55) on the
	// summary frame of a successful enrollment; only the table's explicit
	// failure codes are failures here.
	log.WithFields(logrus.Fields{"result": final.Result, "size": final.Size, "pos": final.Pos}).
		Info("Enrollment summary frame received")

	template, err := client.GetTemplateBytes(userID, fingerIndex)
	if err != nil || len(template) == 0 {
		return Outcome{Status: types.EnrollmentFailed, Reason: "verification failed"}
	}
	return Outcome{
		Status:   types.EnrollmentCompleted,
		Quality:  final.Size,
		Template: template,
	}
}

// nextEvent waits for one enroll event frame. A non-nil Outcome means the
// run is over (cancel, timeout, duplicate, or transport failure).
func (d *Driver) nextEvent(client device.Client, log *logrus.Entry) (zkproto.EnrollEvent, *Outcome) {
	if d.cancelled.Load() {
		return zkproto.EnrollEvent{}, &Outcome{Status: types.EnrollmentCancelled, Reason: "cancelled by caller"}
	}

	waitStart := time.Now()
	pkt, err := client.RecvEvent(d.eventTimeout)
	if err != nil {
		if err == types.ErrEventTimeout {
			return zkproto.EnrollEvent{}, &Outcome{Status: types.EnrollmentFailed, Reason: "enrollment timed out"}
		}
		return zkproto.EnrollEvent{}, &Outcome{Status: types.EnrollmentFailed, Reason: fmt.Sprintf("device connection lost: %v", err)}
	}
	if d.cancelled.Load() {
		return zkproto.EnrollEvent{}, &Outcome{Status: types.EnrollmentCancelled, Reason: "cancelled by caller"}
	}

	ev, err := zkproto.ParseEnrollEvent(pkt.Payload)
	if err != nil {
		log.WithError(err).Warn("Undecodable enroll event frame")
		return zkproto.EnrollEvent{}, &Outcome{Status: types.EnrollmentFailed, Reason: "undecodable event frame"}
	}

	switch ev.Result {
	case zkproto.EnrollResultCancelled:
		// Idle firmware reports code 4 both for a panel-side cancel and
		// for sitting unused until its own inactivity limit; a wait that
		// consumed nearly the whole timeout is the latter.
		if time.Since(waitStart) >= d.eventTimeout-5*time.Second {
			return ev, &Outcome{Status: types.EnrollmentFailed, Reason: "enrollment timed out"}
		}
		return ev, &Outcome{Status: types.EnrollmentCancelled, Reason: "cancelled on device"}
	case zkproto.EnrollResultTimeout:
		return ev, &Outcome{Status: types.EnrollmentFailed, Reason: "enrollment timed out"}
	case zkproto.EnrollResultDuplicate:
		return ev, &Outcome{Status: types.EnrollmentFailed, Reason: "finger already enrolled"}
	}
	return ev, nil
}
