package device

import (
	"context"
	"hash/fnv"
	"time"

	"school-attendance-platform/internal/types"
	"school-attendance-platform/internal/zkproto"
)

// SimulatedSession is the deterministic stand-in used when simulation mode
// is enabled: roughly 90% of probes succeed, metadata is empty, and no
// sockets are opened. Online-ness is a stable function of device id and the
// current minute so the fleet does not flap on every probe.
type SimulatedSession struct {
	dev       types.Device
	connected bool
}

// NewSimulatedSession builds a simulated client for a device.
func NewSimulatedSession(dev types.Device) *SimulatedSession {
	return &SimulatedSession{dev: dev}
}

// SimulatedFactory is a pool Factory producing simulated sessions.
func SimulatedFactory(dev types.Device) Client {
	return NewSimulatedSession(dev)
}

func (s *SimulatedSession) online() bool {
	h := fnv.New32a()
	var buf [16]byte
	v := uint64(s.dev.ID)
	minute := uint64(time.Now().Unix() / 60)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
		buf[8+i] = byte(minute >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum32()%10 != 0
}

func (s *SimulatedSession) Connect(ctx context.Context) error {
	if !s.online() {
		return types.ErrConnectTimeout
	}
	s.connected = true
	return nil
}

func (s *SimulatedSession) Disconnect() error {
	s.connected = false
	return nil
}

func (s *SimulatedSession) GetSerial() (string, error)     { return "", nil }
func (s *SimulatedSession) GetDeviceName() (string, error) { return "", nil }
func (s *SimulatedSession) GetFirmware() (string, error)   { return "", nil }

func (s *SimulatedSession) GetTime() (string, error) {
	if !s.connected || !s.online() {
		return "", types.ErrConnLost
	}
	return time.Now().Format("2006-01-02 15:04:05"), nil
}

func (s *SimulatedSession) SetTime(t time.Time) error { return nil }

func (s *SimulatedSession) GetFreeSizes() (types.DeviceCapacity, error) {
	return types.DeviceCapacity{}, nil
}

func (s *SimulatedSession) SetUser(uid int, userID, name string, privilege int) error { return nil }

func (s *SimulatedSession) GetUsers() ([]types.DeviceUser, error) { return nil, nil }

func (s *SimulatedSession) GetTemplateBytes(userID string, fingerIndex int) ([]byte, error) {
	return nil, nil
}

func (s *SimulatedSession) DeleteUserTemplate(uid int, userID string, fingerIndex int) error {
	return nil
}

func (s *SimulatedSession) FetchAttendanceLogs() ([]types.RawAttendanceLog, error) {
	return nil, nil
}

func (s *SimulatedSession) TestLiveness() bool {
	return s.connected && s.online()
}

func (s *SimulatedSession) EnableDevice() error  { return nil }
func (s *SimulatedSession) DisableDevice() error { return nil }

func (s *SimulatedSession) StartEnrollment(userID string, fingerIndex int) error {
	return &types.DeviceRejectedError{Code: zkproto.CmdAckError}
}

func (s *SimulatedSession) CancelCapture() {}

func (s *SimulatedSession) RegisterEvents(mask uint32) error { return nil }

func (s *SimulatedSession) RecvEvent(timeout time.Duration) (*zkproto.Packet, error) {
	return nil, types.ErrEventTimeout
}
