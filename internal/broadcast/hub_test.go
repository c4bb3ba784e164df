package broadcast

import (
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures everything sent to it.
type recordingSink struct {
	mu     sync.Mutex
	events []interface{}
	fail   bool
}

func (s *recordingSink) Send(event interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink closed")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) received() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interface{}, len(s.events))
	copy(out, s.events)
	return out
}

func newTestHub() *Hub {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewHub(logger)
}

func TestPublishReachesTenantSubscribers(t *testing.T) {
	hub := newTestHub()
	sink := &recordingSink{}
	hub.Subscribe(ChannelDeviceStatus, "tenant-a", sink)

	hub.Publish(ChannelDeviceStatus, "tenant-a", "hello")

	require.Len(t, sink.received(), 1)
	assert.Equal(t, "hello", sink.received()[0])
}

func TestTenantIsolation(t *testing.T) {
	hub := newTestHub()
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	hub.Subscribe(ChannelAttendanceScans, "tenant-a", sinkA)
	hub.Subscribe(ChannelAttendanceScans, "tenant-b", sinkB)

	hub.Publish(ChannelAttendanceScans, "tenant-a", "for-a")

	assert.Len(t, sinkA.received(), 1)
	assert.Empty(t, sinkB.received(), "subscriber must never see another tenant's events")
}

func TestChannelIsolation(t *testing.T) {
	hub := newTestHub()
	sink := &recordingSink{}
	hub.Subscribe(ChannelDeviceInfo, "tenant-a", sink)

	hub.Publish(ChannelDeviceStatus, "tenant-a", "status")

	assert.Empty(t, sink.received())
}

func TestFailingSinkIsRemoved(t *testing.T) {
	hub := newTestHub()
	good := &recordingSink{}
	bad := &recordingSink{fail: true}
	hub.Subscribe(ChannelDeviceStatus, "tenant-a", good)
	hub.Subscribe(ChannelDeviceStatus, "tenant-a", bad)

	hub.Publish(ChannelDeviceStatus, "tenant-a", "one")
	assert.Equal(t, 1, hub.Count(ChannelDeviceStatus, "tenant-a"))

	hub.Publish(ChannelDeviceStatus, "tenant-a", "two")
	assert.Len(t, good.received(), 2)
}

func TestPublishOrderingPerChannel(t *testing.T) {
	hub := newTestHub()
	sink := &recordingSink{}
	hub.Subscribe(ChannelAttendanceScans, "tenant-a", sink)

	for i := 0; i < 5; i++ {
		hub.Publish(ChannelAttendanceScans, "tenant-a", i)
	}

	got := sink.received()
	require.Len(t, got, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := newTestHub()
	sink := &recordingSink{}
	hub.Subscribe(ChannelEnrollmentProgress, "tenant-a", sink)
	hub.Unsubscribe(ChannelEnrollmentProgress, "tenant-a", sink)

	hub.Publish(ChannelEnrollmentProgress, "tenant-a", "late")

	assert.Empty(t, sink.received())
	assert.Equal(t, 0, hub.Count(ChannelEnrollmentProgress, "tenant-a"))
}

func TestCountAcrossTenants(t *testing.T) {
	hub := newTestHub()
	hub.Subscribe(ChannelDeviceStatus, "tenant-a", &recordingSink{})
	hub.Subscribe(ChannelDeviceStatus, "tenant-a", &recordingSink{})
	hub.Subscribe(ChannelDeviceStatus, "tenant-b", &recordingSink{})

	assert.Equal(t, 2, hub.Count(ChannelDeviceStatus, "tenant-a"))
	assert.Equal(t, 3, hub.Count(ChannelDeviceStatus, ""))
}

func TestAttendanceScansEventCountMatches(t *testing.T) {
	ev := NewAttendanceScansEvent([]ScanEvent{{ID: "a"}, {ID: "b"}})
	assert.Equal(t, 2, ev.Count)
	assert.Len(t, ev.Events, ev.Count)
}
