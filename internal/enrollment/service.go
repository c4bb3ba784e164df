package enrollment

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"school-attendance-platform/internal/broadcast"
	"school-attendance-platform/internal/device"
	"school-attendance-platform/internal/metrics"
	"school-attendance-platform/internal/types"
)

// DeviceRepo is the slice of device persistence enrollment needs.
type DeviceRepo interface {
	Get(ctx context.Context, tenantID string, id int64) (*types.Device, error)
}

// StudentRepo looks up the student being enrolled.
type StudentRepo interface {
	Get(ctx context.Context, tenantID string, id int64) (*types.Student, error)
}

// SessionRepo persists enrollment sessions.
type SessionRepo interface {
	Create(ctx context.Context, session *types.EnrollmentSession) error
	GetByUUID(ctx context.Context, tenantID, sessionUUID string) (*types.EnrollmentSession, error)
	UpdateStatus(ctx context.Context, id int64, status types.EnrollmentStatus, errMsg string, completedAt *time.Time) error
	SetResult(ctx context.Context, id int64, sealedTemplate []byte, quality int) error
	HasActive(ctx context.Context, deviceID int64, fingerIndex int) (bool, error)
	EnrolledFingerIndices(ctx context.Context, tenantID string, studentID, deviceID int64) ([]int, error)
}

// TemplateRepo persists sealed fingerprint templates.
type TemplateRepo interface {
	Create(ctx context.Context, tpl *types.FingerprintTemplate) error
	SoftDelete(ctx context.Context, tenantID string, studentID, deviceID int64, fingerIndex int) error
}

// SessionProvider hands out exclusive device sessions.
type SessionProvider interface {
	Acquire(ctx context.Context, dev types.Device) (device.Client, func(), error)
}

// Sealer seals template bytes before they touch the database.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Service owns enrollment sessions: the one-active-per-device-and-finger
// guard, the background driver run, persistence, and progress broadcasts.
type Service struct {
	devices   DeviceRepo
	students  StudentRepo
	sessions  SessionProvider
	rows      SessionRepo
	templates TemplateRepo
	sealer    Sealer
	hub       *broadcast.Hub
	metrics   *metrics.Metrics
	logger    *logrus.Entry

	eventTimeout time.Duration

	mu     sync.Mutex
	active map[string]*Driver
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithDriverEventTimeout overrides the per-frame wait of spawned drivers.
func WithDriverEventTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.eventTimeout = d }
}

// WithMetrics counts terminal enrollment outcomes.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the enrollment service.
func NewService(devices DeviceRepo, students StudentRepo, sessions SessionProvider, rows SessionRepo, templates TemplateRepo, sealer Sealer, hub *broadcast.Hub, logger *logrus.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		devices:      devices,
		students:     students,
		sessions:     sessions,
		rows:         rows,
		templates:    templates,
		sealer:       sealer,
		hub:          hub,
		logger:       logger.WithField("component", "enrollment"),
		eventTimeout: DefaultEventTimeout,
		active:       make(map[string]*Driver),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartEnrollment validates the request, creates the PENDING session row,
// and launches the capture in the background. The returned row is the
// PENDING snapshot; progress arrives on the enrollment-progress channel.
func (s *Service) StartEnrollment(ctx context.Context, tenantID string, studentID, deviceID int64, fingerIndex int) (*types.EnrollmentSession, error) {
	if fingerIndex < 0 || fingerIndex > 9 {
		return nil, types.ErrInvalidFingerIndex
	}
	dev, err := s.devices.Get(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	if dev.Status != types.DeviceStatusOnline {
		return nil, types.ErrDeviceOffline
	}
	student, err := s.students.Get(ctx, tenantID, studentID)
	if err != nil {
		return nil, err
	}

	busy, err := s.rows.HasActive(ctx, deviceID, fingerIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to check active enrollments: %w", err)
	}
	if busy {
		return nil, types.ErrEnrollmentInProgress
	}

	session := &types.EnrollmentSession{
		UUID:        uuid.NewString(),
		TenantID:    tenantID,
		StudentID:   studentID,
		DeviceID:    deviceID,
		FingerIndex: fingerIndex,
		Status:      types.EnrollmentPending,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.rows.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create enrollment session: %w", err)
	}

	driver := NewDriver(s.logger.Logger, WithEventTimeout(s.eventTimeout))
	s.mu.Lock()
	s.active[session.UUID] = driver
	s.mu.Unlock()

	go s.runEnrollment(*dev, *student, *session, driver)

	return session, nil
}

// runEnrollment is the background half of StartEnrollment. Every terminal
// state persists the row and produces exactly one terminal broadcast.
func (s *Service) runEnrollment(dev types.Device, student types.Student, session types.EnrollmentSession, driver *Driver) {
	ctx := context.Background()
	log := s.logger.WithFields(logrus.Fields{
		"session_uuid": session.UUID,
		"device_id":    dev.ID,
		"student_id":   student.ID,
		"finger":       session.FingerIndex,
	})
	defer func() {
		s.mu.Lock()
		delete(s.active, session.UUID)
		s.mu.Unlock()
	}()

	if err := s.rows.UpdateStatus(ctx, session.ID, types.EnrollmentInProgress, "", nil); err != nil {
		log.WithError(err).Error("Failed to mark enrollment in progress")
	}

	client, release, err := s.sessions.Acquire(ctx, dev)
	if err != nil {
		log.WithError(err).Warn("Enrollment could not reach device")
		s.finish(ctx, session, Outcome{Status: types.EnrollmentFailed, Reason: "device unreachable"}, dev)
		return
	}
	defer release()

	userID := strconv.FormatInt(student.ID, 10)

	// The student record must exist on the terminal before capture starts.
	if err := client.SetUser(int(student.ID), userID, student.FullName, 0); err != nil {
		log.WithError(err).Warn("Failed to push student record to device")
		s.finish(ctx, session, Outcome{Status: types.EnrollmentFailed, Reason: "student sync failed"}, dev)
		return
	}

	// Keep the panel off the clock screen while capturing.
	if err := client.DisableDevice(); err != nil {
		log.WithError(err).Debug("Device disable refused")
	}
	defer func() {
		if err := client.EnableDevice(); err != nil {
			log.WithError(err).Warn("Failed to re-enable device after enrollment")
		}
	}()

	emit := func(eventType string, progress int, status, message string) {
		s.hub.Publish(broadcast.ChannelEnrollmentProgress, session.TenantID,
			broadcast.NewEnrollmentProgressEvent(eventType, session.UUID, progress, status, message))
	}

	outcome := driver.Run(client, userID, session.FingerIndex, emit)
	s.finish(ctx, session, outcome, dev)
}

// finish persists the terminal state and publishes the single terminal
// broadcast for a run.
func (s *Service) finish(ctx context.Context, session types.EnrollmentSession, outcome Outcome, dev types.Device) {
	log := s.logger.WithFields(logrus.Fields{
		"session_uuid": session.UUID,
		"status":       outcome.Status,
		"reason":       outcome.Reason,
	})
	now := time.Now().UTC()

	if outcome.Status == types.EnrollmentCompleted {
		sealed, err := s.sealer.Seal(outcome.Template)
		if err != nil {
			log.WithError(err).Error("Failed to seal captured template")
			outcome = Outcome{Status: types.EnrollmentFailed, Reason: "template sealing failed"}
		} else {
			if err := s.rows.SetResult(ctx, session.ID, sealed, outcome.Quality); err != nil {
				log.WithError(err).Error("Failed to store enrollment result")
			}
			if err := s.templates.Create(ctx, &types.FingerprintTemplate{
				TenantID:         session.TenantID,
				StudentID:        session.StudentID,
				DeviceOriginID:   dev.ID,
				FingerIndex:      session.FingerIndex,
				SealedBytes:      sealed,
				Quality:          outcome.Quality,
				SourceEnrollment: &session.ID,
			}); err != nil {
				log.WithError(err).Error("Failed to store fingerprint template")
			}
		}
	}

	if err := s.rows.UpdateStatus(ctx, session.ID, outcome.Status, outcome.Reason, &now); err != nil {
		log.WithError(err).Error("Failed to persist terminal enrollment status")
	}

	var ev broadcast.EnrollmentProgressEvent
	switch outcome.Status {
	case types.EnrollmentCompleted:
		ev = broadcast.NewEnrollmentProgressEvent(broadcast.EnrollmentEventComplete, session.UUID,
			100, broadcast.EnrollmentStateComplete, "Enrollment complete")
		ev.QualityScore = outcome.Quality
	case types.EnrollmentCancelled:
		ev = broadcast.NewEnrollmentProgressEvent(broadcast.EnrollmentEventCancelled, session.UUID,
			100, broadcast.EnrollmentStateCancelled, outcome.Reason)
	default:
		ev = broadcast.NewEnrollmentProgressEvent(broadcast.EnrollmentEventError, session.UUID,
			100, broadcast.EnrollmentStateError, outcome.Reason)
	}
	s.hub.Publish(broadcast.ChannelEnrollmentProgress, session.TenantID, ev)
	if s.metrics != nil {
		s.metrics.EnrollmentResults.WithLabelValues(string(outcome.Status)).Inc()
	}
	log.Info("Enrollment finished")
}

// CancelEnrollment flags a running session; the driver notices before its
// next event wait. A session that never started running is cancelled
// directly.
func (s *Service) CancelEnrollment(ctx context.Context, tenantID, sessionUUID string) (*types.EnrollmentSession, error) {
	session, err := s.rows.GetByUUID(ctx, tenantID, sessionUUID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return session, nil
	}

	s.mu.Lock()
	driver, running := s.active[sessionUUID]
	s.mu.Unlock()
	if running {
		driver.Cancel()
		return session, nil
	}

	now := time.Now().UTC()
	if err := s.rows.UpdateStatus(ctx, session.ID, types.EnrollmentCancelled, "cancelled before start", &now); err != nil {
		return nil, fmt.Errorf("failed to cancel enrollment: %w", err)
	}
	session.Status = types.EnrollmentCancelled
	s.hub.Publish(broadcast.ChannelEnrollmentProgress, tenantID,
		broadcast.NewEnrollmentProgressEvent(broadcast.EnrollmentEventCancelled, sessionUUID,
			100, broadcast.EnrollmentStateCancelled, "cancelled before start"))
	return session, nil
}

// ListEnrolledFingers reports which finger indices a student has completed
// enrollments for on a device.
func (s *Service) ListEnrolledFingers(ctx context.Context, tenantID string, deviceID, studentID int64) ([]int, error) {
	if _, err := s.students.Get(ctx, tenantID, studentID); err != nil {
		return nil, err
	}
	return s.rows.EnrolledFingerIndices(ctx, tenantID, studentID, deviceID)
}

// DeleteFingerprint removes a finger's template from the device and
// soft-deletes the stored copies.
func (s *Service) DeleteFingerprint(ctx context.Context, tenantID string, deviceID, studentID int64, fingerIndex int) error {
	if fingerIndex < 0 || fingerIndex > 9 {
		return types.ErrInvalidFingerIndex
	}
	dev, err := s.devices.Get(ctx, tenantID, deviceID)
	if err != nil {
		return err
	}
	student, err := s.students.Get(ctx, tenantID, studentID)
	if err != nil {
		return err
	}

	client, release, err := s.sessions.Acquire(ctx, *dev)
	if err != nil {
		return fmt.Errorf("failed to connect to device %d: %w", deviceID, err)
	}
	userID := strconv.FormatInt(student.ID, 10)
	err = client.DeleteUserTemplate(int(student.ID), userID, fingerIndex)
	release()
	if err != nil {
		return fmt.Errorf("failed to delete template on device: %w", err)
	}

	if err := s.templates.SoftDelete(ctx, tenantID, studentID, deviceID, fingerIndex); err != nil {
		return fmt.Errorf("failed to delete stored template: %w", err)
	}
	return nil
}

// SyncStudentToDevice pushes the student's user record onto the terminal.
func (s *Service) SyncStudentToDevice(ctx context.Context, tenantID string, studentID, deviceID int64) error {
	dev, err := s.devices.Get(ctx, tenantID, deviceID)
	if err != nil {
		return err
	}
	student, err := s.students.Get(ctx, tenantID, studentID)
	if err != nil {
		return err
	}
	client, release, err := s.sessions.Acquire(ctx, *dev)
	if err != nil {
		return fmt.Errorf("failed to connect to device %d: %w", deviceID, err)
	}
	defer release()
	userID := strconv.FormatInt(student.ID, 10)
	if err := client.SetUser(int(student.ID), userID, student.FullName, 0); err != nil {
		return fmt.Errorf("failed to push student to device: %w", err)
	}
	return nil
}

// CheckStudentOnDevice reports whether the terminal has a user record for
// the student.
func (s *Service) CheckStudentOnDevice(ctx context.Context, tenantID string, studentID, deviceID int64) (bool, error) {
	dev, err := s.devices.Get(ctx, tenantID, deviceID)
	if err != nil {
		return false, err
	}
	client, release, err := s.sessions.Acquire(ctx, *dev)
	if err != nil {
		return false, fmt.Errorf("failed to connect to device %d: %w", deviceID, err)
	}
	users, err := client.GetUsers()
	release()
	if err != nil {
		return false, fmt.Errorf("failed to read device users: %w", err)
	}
	userID := strconv.FormatInt(studentID, 10)
	for _, u := range users {
		if u.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}
