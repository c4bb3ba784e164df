package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-attendance-platform/internal/types"
	"school-attendance-platform/internal/zkproto"
)

// stubClient counts lifecycle calls and lets tests flip liveness.
type stubClient struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	alive       bool
}

func (c *stubClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	c.alive = true
	return nil
}

func (c *stubClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.alive = false
	return nil
}

func (c *stubClient) TestLiveness() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *stubClient) setAlive(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = v
}

func (c *stubClient) GetSerial() (string, error)                                  { return "", nil }
func (c *stubClient) GetDeviceName() (string, error)                              { return "", nil }
func (c *stubClient) GetFirmware() (string, error)                                { return "", nil }
func (c *stubClient) GetTime() (string, error)                                    { return "", nil }
func (c *stubClient) SetTime(t time.Time) error                                   { return nil }
func (c *stubClient) GetFreeSizes() (types.DeviceCapacity, error)                 { return types.DeviceCapacity{}, nil }
func (c *stubClient) SetUser(uid int, userID, name string, privilege int) error   { return nil }
func (c *stubClient) GetUsers() ([]types.DeviceUser, error)                       { return nil, nil }
func (c *stubClient) GetTemplateBytes(userID string, finger int) ([]byte, error)  { return nil, nil }
func (c *stubClient) DeleteUserTemplate(uid int, userID string, finger int) error { return nil }
func (c *stubClient) FetchAttendanceLogs() ([]types.RawAttendanceLog, error)      { return nil, nil }
func (c *stubClient) EnableDevice() error                                         { return nil }
func (c *stubClient) DisableDevice() error                                        { return nil }
func (c *stubClient) StartEnrollment(userID string, finger int) error             { return nil }
func (c *stubClient) CancelCapture()                                              {}
func (c *stubClient) RegisterEvents(mask uint32) error                            { return nil }
func (c *stubClient) RecvEvent(timeout time.Duration) (*zkproto.Packet, error) {
	return nil, types.ErrEventTimeout
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestPoolReusesSessionWithinLivenessWindow(t *testing.T) {
	var made []*stubClient
	pool := NewPool(func(dev types.Device) Client {
		c := &stubClient{}
		made = append(made, c)
		return c
	}, testLogger(), WithLivenessWindow(time.Minute))

	dev := types.Device{ID: 7}
	ctx := context.Background()

	c1, release1, err := pool.Acquire(ctx, dev)
	require.NoError(t, err)
	release1()

	c2, release2, err := pool.Acquire(ctx, dev)
	require.NoError(t, err)
	release2()

	assert.Same(t, c1, c2)
	assert.Len(t, made, 1)
	assert.Equal(t, 1, made[0].connects)
}

func TestPoolReconnectsDeadSession(t *testing.T) {
	var made []*stubClient
	pool := NewPool(func(dev types.Device) Client {
		c := &stubClient{}
		made = append(made, c)
		return c
	}, testLogger(), WithLivenessWindow(0)) // probe on every acquire

	dev := types.Device{ID: 7}
	ctx := context.Background()

	_, release, err := pool.Acquire(ctx, dev)
	require.NoError(t, err)
	release()

	made[0].setAlive(false)

	_, release, err = pool.Acquire(ctx, dev)
	require.NoError(t, err)
	release()

	require.Len(t, made, 2)
	assert.Equal(t, 1, made[0].disconnects)
	assert.Equal(t, 1, made[1].connects)
}

func TestPoolSerializesPerDevice(t *testing.T) {
	pool := NewPool(func(dev types.Device) Client {
		return &stubClient{}
	}, testLogger(), WithLivenessWindow(time.Minute))

	dev := types.Device{ID: 7}
	ctx := context.Background()

	_, release, err := pool.Acquire(ctx, dev)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		_, release2, err := pool.Acquire(ctx, dev)
		if err == nil {
			release2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire completed while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestPoolCloseAll(t *testing.T) {
	var made []*stubClient
	pool := NewPool(func(dev types.Device) Client {
		c := &stubClient{}
		made = append(made, c)
		return c
	}, testLogger())

	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		_, release, err := pool.Acquire(ctx, types.Device{ID: id})
		require.NoError(t, err)
		release()
	}

	pool.CloseAll()
	for _, c := range made {
		assert.Equal(t, 1, c.disconnects)
	}
}
