// Package fleet is the control plane over the registered terminals: the
// periodic health, metadata-sync, and attendance-poll loops, plus the
// user-initiated device operations the ingress layer calls.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"school-attendance-platform/internal/broadcast"
	"school-attendance-platform/internal/device"
	"school-attendance-platform/internal/types"
)

// DeviceRepo is the slice of device persistence the fleet needs.
type DeviceRepo interface {
	ListActive(ctx context.Context) ([]types.Device, error)
	Get(ctx context.Context, tenantID string, id int64) (*types.Device, error)
	UpdateStatus(ctx context.Context, id int64, status types.DeviceStatus, lastSeen *time.Time) error
	UpdateMaxUsers(ctx context.Context, id int64, maxUsers int) error
}

// SessionProvider hands out exclusive device sessions.
type SessionProvider interface {
	Acquire(ctx context.Context, dev types.Device) (device.Client, func(), error)
	Invalidate(deviceID int64)
}

// Service implements the synchronous device operations: metadata fetch and
// connectivity test.
type Service struct {
	devices  DeviceRepo
	sessions SessionProvider
	hub      *broadcast.Hub
	logger   *logrus.Entry
}

// NewService wires the device operations service.
func NewService(devices DeviceRepo, sessions SessionProvider, hub *broadcast.Hub, logger *logrus.Logger) *Service {
	return &Service{
		devices:  devices,
		sessions: sessions,
		hub:      hub,
		logger:   logger.WithField("component", "fleet"),
	}
}

// GetDeviceInfo connects to the device and collects its metadata bundle.
// Individual fields that fail to read are left empty; only a failed
// connection is an error.
func (s *Service) GetDeviceInfo(ctx context.Context, tenantID string, deviceID int64) (*types.DeviceInfo, error) {
	dev, err := s.devices.Get(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	client, release, err := s.sessions.Acquire(ctx, *dev)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device %d: %w", deviceID, err)
	}
	defer release()
	info := s.collectInfo(client, deviceID)
	return info, nil
}

// collectInfo reads the metadata bundle off a connected client, tolerating
// per-field failures.
func (s *Service) collectInfo(client device.Client, deviceID int64) *types.DeviceInfo {
	info := &types.DeviceInfo{}
	log := s.logger.WithField("device_id", deviceID)

	if serial, err := client.GetSerial(); err == nil {
		info.Serial = serial
	} else {
		log.WithError(err).Debug("Serial read failed")
	}
	if name, err := client.GetDeviceName(); err == nil {
		info.Name = name
	} else {
		log.WithError(err).Debug("Device name read failed")
	}
	if fw, err := client.GetFirmware(); err == nil {
		info.Firmware = fw
	} else {
		log.WithError(err).Debug("Firmware read failed")
	}
	if devTime, err := client.GetTime(); err == nil {
		info.DeviceTime = devTime
	} else {
		log.WithError(err).Debug("Device time read failed")
	}
	if capacity, err := client.GetFreeSizes(); err == nil {
		info.Capacity = &capacity
	} else {
		log.WithError(err).Debug("Capacity read failed")
	}
	return info
}

// TestDevice runs a user-initiated connectivity test with its own timeout.
// The result always comes back; failures are reported in it, not as errors,
// except when the device itself is unknown.
func (s *Service) TestDevice(ctx context.Context, tenantID string, deviceID int64, timeout time.Duration) (*types.TestResult, error) {
	dev, err := s.devices.Get(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}

	testCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	client, release, err := s.sessions.Acquire(testCtx, *dev)
	if err != nil {
		return &types.TestResult{
			OK:         false,
			Message:    fmt.Sprintf("connection failed: %v", err),
			ResponseMS: time.Since(start).Milliseconds(),
		}, nil
	}
	_, probeErr := client.GetTime()
	// Invalidate re-takes the per-device lock, so the session must be
	// released first.
	release()

	if probeErr != nil {
		s.sessions.Invalidate(deviceID)
		return &types.TestResult{
			OK:         false,
			Message:    fmt.Sprintf("device did not answer: %v", probeErr),
			ResponseMS: time.Since(start).Milliseconds(),
		}, nil
	}
	return &types.TestResult{
		OK:         true,
		Message:    "device responding",
		ResponseMS: time.Since(start).Milliseconds(),
	}, nil
}

// SetDeviceTime pushes the platform clock onto the terminal. Used by admins
// when a device has drifted.
func (s *Service) SetDeviceTime(ctx context.Context, tenantID string, deviceID int64, to time.Time) error {
	dev, err := s.devices.Get(ctx, tenantID, deviceID)
	if err != nil {
		return err
	}
	client, release, err := s.sessions.Acquire(ctx, *dev)
	if err != nil {
		return fmt.Errorf("failed to connect to device %d: %w", deviceID, err)
	}
	defer release()
	if err := client.SetTime(to); err != nil {
		return fmt.Errorf("failed to set device time: %w", err)
	}
	return nil
}
