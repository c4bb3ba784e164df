package broadcast

import (
	"time"

	"school-attendance-platform/internal/types"
)

// DeviceStatusEvent is published on the device-status channel whenever the
// health probe observes a status change or refresh.
type DeviceStatusEvent struct {
	Type      string     `json:"type"` // "device_status_update"
	DeviceID  int64      `json:"device_id"`
	Status    string     `json:"status"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewDeviceStatusEvent builds the device-status payload.
func NewDeviceStatusEvent(deviceID int64, status types.DeviceStatus, lastSeen *time.Time) DeviceStatusEvent {
	return DeviceStatusEvent{
		Type:      "device_status_update",
		DeviceID:  deviceID,
		Status:    string(status),
		LastSeen:  lastSeen,
		Timestamp: time.Now().UTC(),
	}
}

// DeviceInfoEvent is published on the device-info channel by the info-sync
// loop.
type DeviceInfoEvent struct {
	Type      string           `json:"type"` // "device_info_update"
	DeviceID  int64            `json:"device_id"`
	Info      types.DeviceInfo `json:"info"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewDeviceInfoEvent builds the device-info payload.
func NewDeviceInfoEvent(deviceID int64, info types.DeviceInfo) DeviceInfoEvent {
	return DeviceInfoEvent{
		Type:      "device_info_update",
		DeviceID:  deviceID,
		Info:      info,
		Timestamp: time.Now().UTC(),
	}
}

// Enrollment progress event types and statuses.
const (
	EnrollmentEventProgress  = "enrollment_progress"
	EnrollmentEventComplete  = "enrollment_complete"
	EnrollmentEventError     = "enrollment_error"
	EnrollmentEventCancelled = "enrollment_cancelled"

	EnrollmentStateReady      = "ready"
	EnrollmentStatePlacing    = "placing"
	EnrollmentStateCapturing  = "capturing"
	EnrollmentStateProcessing = "processing"
	EnrollmentStateComplete   = "complete"
	EnrollmentStateError      = "error"
	EnrollmentStateCancelled  = "cancelled"
)

// EnrollmentProgressEvent is published on the enrollment-progress channel
// for each step of the multi-press capture ritual. Progress is one of
// {0, 33, 66, 100}.
type EnrollmentProgressEvent struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"session_id"`
	Progress     int       `json:"progress"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
	QualityScore int       `json:"quality_score,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewEnrollmentProgressEvent builds one enrollment-progress payload.
func NewEnrollmentProgressEvent(eventType, sessionID string, progress int, status, message string) EnrollmentProgressEvent {
	return EnrollmentProgressEvent{
		Type:      eventType,
		SessionID: sessionID,
		Progress:  progress,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// ScanEvent is one classified tap inside an attendance-scans message.
// DUPLICATE scans appear here even though they are never persisted.
type ScanEvent struct {
	ID              string    `json:"id"`
	StudentID       *int64    `json:"student_id,omitempty"`
	StudentName     string    `json:"student_name,omitempty"`
	AdmissionNumber string    `json:"admission_number,omitempty"`
	ClassName       string    `json:"class_name,omitempty"`
	DeviceID        int64     `json:"device_id"`
	DeviceName      string    `json:"device_name"`
	EventType       string    `json:"event_type"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// AttendanceScansEvent is the per-round live feed message.
type AttendanceScansEvent struct {
	Type      string      `json:"type"` // "attendance_events"
	Events    []ScanEvent `json:"events"`
	Count     int         `json:"count"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewAttendanceScansEvent builds the live-feed message for one ingestion
// round. Count always equals len(events).
func NewAttendanceScansEvent(events []ScanEvent) AttendanceScansEvent {
	return AttendanceScansEvent{
		Type:      "attendance_events",
		Events:    events,
		Count:     len(events),
		Timestamp: time.Now().UTC(),
	}
}
