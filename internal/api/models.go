package api

import (
	"time"

	"school-attendance-platform/internal/types"
)

// CreateDeviceRequest registers a terminal.
type CreateDeviceRequest struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	CommPassword string `json:"commPassword,omitempty"`
	Group        string `json:"group,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// CreateStudentRequest registers a student.
type CreateStudentRequest struct {
	FullName        string `json:"fullName"`
	AdmissionNumber string `json:"admissionNumber,omitempty"`
	ClassName       string `json:"className,omitempty"`
}

// StartEnrollmentRequest kicks off an interactive enrollment.
type StartEnrollmentRequest struct {
	StudentID   int64 `json:"studentId"`
	DeviceID    int64 `json:"deviceId"`
	FingerIndex int   `json:"fingerIndex"`
}

// TestDeviceRequest carries the optional per-test timeout.
type TestDeviceRequest struct {
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// SetDeviceTimeRequest pushes a clock value to the terminal; empty means
// "now".
type SetDeviceTimeRequest struct {
	Time *time.Time `json:"time,omitempty"`
}

// EnrolledFingersResponse lists a student's enrolled finger indices.
type EnrolledFingersResponse struct {
	Fingers []int `json:"fingers"`
}

// PresenceResponse reports whether a student exists on a terminal.
type PresenceResponse struct {
	Present bool `json:"present"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// IngestResponse wraps one manual ingestion round.
type IngestResponse struct {
	Summary types.IngestSummary `json:"summary"`
}
