package types

import (
	"time"
)

// DeviceStatus represents the reachability of a terminal as last observed
// by the health probe loop.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "ONLINE"
	DeviceStatusOffline DeviceStatus = "OFFLINE"
	DeviceStatusUnknown DeviceStatus = "UNKNOWN"
)

// Device is a registered ZKTeco terminal. Every device belongs to exactly
// one tenant; (tenant, host, port) is unique and serial is globally unique
// when the device has reported one.
type Device struct {
	ID            int64        `json:"id"`
	TenantID      string       `json:"tenantId"`
	Name          string       `json:"name"`
	Host          string       `json:"host"`
	Port          int          `json:"port"`
	CommPassword  string       `json:"-"`
	Serial        string       `json:"serial,omitempty"`
	Status        DeviceStatus `json:"status"`
	LastSeen      *time.Time   `json:"lastSeen,omitempty"`
	MaxUsers      int          `json:"maxUsers,omitempty"`
	EnrolledUsers int          `json:"enrolledUsers"`
	Group         string       `json:"group,omitempty"`
	Timezone      string       `json:"timezone,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	DeletedAt     *time.Time   `json:"-"`
}

// Student is the platform-side identity a device user id resolves to.
type Student struct {
	ID              int64      `json:"id"`
	TenantID        string     `json:"tenantId"`
	FullName        string     `json:"fullName"`
	AdmissionNumber string     `json:"admissionNumber,omitempty"`
	ClassName       string     `json:"className,omitempty"`
	DeletedAt       *time.Time `json:"-"`
}

// EventType classifies an attendance tap. DUPLICATE is a live-feed-only
// classification and is never persisted.
type EventType string

const (
	EventTypeIn        EventType = "IN"
	EventTypeOut       EventType = "OUT"
	EventTypeUnknown   EventType = "UNKNOWN"
	EventTypeDuplicate EventType = "DUPLICATE"
)

// AttendanceRecord is a persisted tap. (device, device_user_id, occurred_at)
// is the natural key used for deduplication.
type AttendanceRecord struct {
	ID           int64      `json:"id"`
	TenantID     string     `json:"tenantId"`
	DeviceID     int64      `json:"deviceId"`
	StudentID    *int64     `json:"studentId,omitempty"`
	DeviceUserID string     `json:"deviceUserId"`
	OccurredAt   time.Time  `json:"occurredAt"`
	EventType    EventType  `json:"eventType"`
	RawPayload   string     `json:"rawPayload,omitempty"`
	DeletedAt    *time.Time `json:"-"`
}

// EnrollmentStatus tracks an interactive enrollment session. Transitions are
// monotonic: PENDING -> IN_PROGRESS -> {COMPLETED | FAILED | CANCELLED}.
type EnrollmentStatus string

const (
	EnrollmentPending    EnrollmentStatus = "PENDING"
	EnrollmentInProgress EnrollmentStatus = "IN_PROGRESS"
	EnrollmentCompleted  EnrollmentStatus = "COMPLETED"
	EnrollmentFailed     EnrollmentStatus = "FAILED"
	EnrollmentCancelled  EnrollmentStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentCompleted, EnrollmentFailed, EnrollmentCancelled:
		return true
	}
	return false
}

// EnrollmentSession is the persisted record of one interactive fingerprint
// enrollment, PENDING through a terminal state.
type EnrollmentSession struct {
	ID             int64            `json:"id"`
	UUID           string           `json:"uuid"`
	TenantID       string           `json:"tenantId"`
	StudentID      int64            `json:"studentId"`
	DeviceID       int64            `json:"deviceId"`
	FingerIndex    int              `json:"fingerIndex"`
	Status         EnrollmentStatus `json:"status"`
	Error          string           `json:"error,omitempty"`
	SealedTemplate []byte           `json:"-"`
	Quality        int              `json:"quality,omitempty"`
	StartedAt      time.Time        `json:"startedAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

// FingerprintTemplate is an append-only sealed template copy. The latest
// non-deleted row per (student, finger) is the canonical copy for re-sync.
type FingerprintTemplate struct {
	ID               int64      `json:"id"`
	TenantID         string     `json:"tenantId"`
	StudentID        int64      `json:"studentId"`
	DeviceOriginID   int64      `json:"deviceOriginId"`
	FingerIndex      int        `json:"fingerIndex"`
	SealedBytes      []byte     `json:"-"`
	Quality          int        `json:"quality,omitempty"`
	SourceEnrollment *int64     `json:"sourceEnrollment,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	DeletedAt        *time.Time `json:"-"`
}

// RawAttendanceLog is one tap as the device reports it: a naive device-local
// timestamp and the device-side user id string.
type RawAttendanceLog struct {
	DeviceUserID string
	Timestamp    time.Time
	PunchCode    int
	DeviceSerial string
}

// DeviceUser is one user slot read back from a terminal.
type DeviceUser struct {
	UID       int
	UserID    string
	Name      string
	Privilege int
}

// DeviceCapacity is the GET_FREE_SIZES field set. Fields the firmware does
// not report stay zero.
type DeviceCapacity struct {
	Users      int `json:"users"`
	Fingers    int `json:"fingers"`
	Records    int `json:"records"`
	Cards      int `json:"cards"`
	Faces      int `json:"faces"`
	UsersCap   int `json:"usersCap"`
	FingersCap int `json:"fingersCap"`
	RecCap     int `json:"recCap"`
	FacesCap   int `json:"facesCap"`
	UsersAv    int `json:"usersAv"`
	FingersAv  int `json:"fingersAv"`
	RecAv      int `json:"recAv"`
}

// DeviceInfo is the metadata bundle the info-sync loop collects.
type DeviceInfo struct {
	Serial     string          `json:"serial,omitempty"`
	Name       string          `json:"name,omitempty"`
	Firmware   string          `json:"firmware,omitempty"`
	DeviceTime string          `json:"deviceTime,omitempty"`
	Capacity   *DeviceCapacity `json:"capacity,omitempty"`
}

// IngestSummary is the per-round result of the attendance pipeline.
type IngestSummary struct {
	Inserted           int `json:"inserted"`
	Skipped            int `json:"skipped"`
	DuplicatesFiltered int `json:"duplicatesFiltered"`
	Total              int `json:"total"`
}

// TestResult is the outcome of a user-initiated connectivity test.
type TestResult struct {
	OK         bool   `json:"ok"`
	Message    string `json:"message"`
	ResponseMS int64  `json:"responseMs"`
}
