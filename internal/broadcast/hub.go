// Package broadcast fans platform events out to per-tenant subscribers over
// four independent channels. The hub buffers nothing: events published while
// a tenant has no subscribers are dropped.
package broadcast

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Channel names the four event streams the hub carries.
type Channel string

const (
	ChannelDeviceStatus       Channel = "device-status"
	ChannelDeviceInfo         Channel = "device-info"
	ChannelEnrollmentProgress Channel = "enrollment-progress"
	ChannelAttendanceScans    Channel = "attendance-scans"
)

// Channels lists every stream the hub serves.
var Channels = []Channel{
	ChannelDeviceStatus,
	ChannelDeviceInfo,
	ChannelEnrollmentProgress,
	ChannelAttendanceScans,
}

// Subscriber is an already-accepted sink, typically a WebSocket connection.
// Send failures cause removal from the hub.
type Subscriber interface {
	Send(event interface{}) error
}

// Hub is the per-tenant fan-out. Publishing is synchronous: each subscriber
// is written to in turn, so per-channel caller ordering is preserved, and a
// slow sink delays only its own publish call.
type Hub struct {
	mu       sync.RWMutex
	channels map[Channel]map[string]map[Subscriber]struct{}
	logger   *logrus.Entry
}

// NewHub builds an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	channels := make(map[Channel]map[string]map[Subscriber]struct{}, len(Channels))
	for _, ch := range Channels {
		channels[ch] = make(map[string]map[Subscriber]struct{})
	}
	return &Hub{
		channels: channels,
		logger:   logger.WithField("component", "broadcast-hub"),
	}
}

// Subscribe registers a sink under (channel, tenant).
func (h *Hub) Subscribe(channel Channel, tenantID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tenants, ok := h.channels[channel]
	if !ok {
		return
	}
	set, ok := tenants[tenantID]
	if !ok {
		set = make(map[Subscriber]struct{})
		tenants[tenantID] = set
	}
	set[sub] = struct{}{}
	h.logger.WithFields(logrus.Fields{
		"channel":     channel,
		"tenant_id":   tenantID,
		"subscribers": len(set),
	}).Debug("Subscriber registered")
}

// Unsubscribe removes one sink from (channel, tenant).
func (h *Hub) Unsubscribe(channel Channel, tenantID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tenants, ok := h.channels[channel]
	if !ok {
		return
	}
	if set, ok := tenants[tenantID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(tenants, tenantID)
		}
	}
}

// Publish sends event to every subscriber registered under (channel,
// tenant). Sinks whose Send fails are removed atomically with the failure;
// no error ever propagates to the publisher.
func (h *Hub) Publish(channel Channel, tenantID string, event interface{}) {
	h.mu.RLock()
	set := h.channels[channel][tenantID]
	subs := make([]Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var failed []Subscriber
	for _, sub := range subs {
		if err := sub.Send(event); err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"channel":   channel,
				"tenant_id": tenantID,
			}).Warn("Subscriber send failed, removing")
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		h.Unsubscribe(channel, tenantID, sub)
	}
}

// Count reports subscriber counts for observability. With tenantID "" it
// counts the whole channel.
func (h *Hub) Count(channel Channel, tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tenants, ok := h.channels[channel]
	if !ok {
		return 0
	}
	if tenantID != "" {
		return len(tenants[tenantID])
	}
	total := 0
	for _, set := range tenants {
		total += len(set)
	}
	return total
}
