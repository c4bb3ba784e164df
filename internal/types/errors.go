package types

import (
	"errors"
	"fmt"
)

// Boundary errors surfaced to API callers.
var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrDeviceOffline        = errors.New("device offline")
	ErrStudentNotFound      = errors.New("student not found")
	ErrEnrollmentInProgress = errors.New("enrollment already in progress for this device and finger")
	ErrEnrollmentNotFound   = errors.New("enrollment session not found")
	ErrTemplateNotFound     = errors.New("fingerprint template not found")
	ErrInvalidFingerIndex   = errors.New("finger index must be between 0 and 9")
)

// Operational errors inside the device session and enrollment driver. Each
// surfaces as ErrDeviceOffline at the ingress boundary.
var (
	ErrConnectTimeout = errors.New("device connect timeout")
	ErrAuthRejected   = errors.New("device rejected comm password")
	ErrConnLost       = errors.New("device connection lost")
	ErrEventTimeout   = errors.New("timed out waiting for device event")
)

// ErrProtocolDecode marks a frame that could not be parsed. Not retried at
// the codec layer.
var ErrProtocolDecode = errors.New("protocol decode error")

// DeviceRejectedError reports a response whose status was not ACK_OK.
type DeviceRejectedError struct {
	Code int
}

func (e *DeviceRejectedError) Error() string {
	return fmt.Sprintf("device rejected command (code %d)", e.Code)
}

// EnrollmentError reports a terminal non-success exit of the enrollment
// state machine.
type EnrollmentError struct {
	Reason string
}

func (e *EnrollmentError) Error() string {
	return fmt.Sprintf("enrollment failed: %s", e.Reason)
}

// IsOperational reports whether err is a device-side operational failure
// that should be presented as DeviceOffline to external callers.
func IsOperational(err error) bool {
	if errors.Is(err, ErrConnectTimeout) || errors.Is(err, ErrAuthRejected) ||
		errors.Is(err, ErrConnLost) || errors.Is(err, ErrEventTimeout) ||
		errors.Is(err, ErrProtocolDecode) {
		return true
	}
	var rejected *DeviceRejectedError
	return errors.As(err, &rejected)
}
