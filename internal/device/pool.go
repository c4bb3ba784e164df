package device

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"school-attendance-platform/internal/types"
)

// Factory builds an unconnected Client for a device. The pool uses it so
// tests and simulation mode can substitute sessions.
type Factory func(dev types.Device) Client

// Pool keeps at most one logical session per device id and serializes all
// access to it through a per-device lock. Device ids are tenant-scoped by
// construction, so sessions are never shared across tenants.
type Pool struct {
	mu             sync.Mutex
	entries        map[int64]*poolEntry
	factory        Factory
	livenessWindow time.Duration
	logger         *logrus.Entry
}

type poolEntry struct {
	mu           sync.Mutex
	client       Client
	connected    bool
	lastLiveness time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLivenessWindow sets how long a successful liveness probe keeps a
// session trusted without re-probing.
func WithLivenessWindow(d time.Duration) PoolOption {
	return func(p *Pool) { p.livenessWindow = d }
}

// NewPool builds a session pool around a client factory.
func NewPool(factory Factory, logger *logrus.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		entries:        make(map[int64]*poolEntry),
		factory:        factory,
		livenessWindow: 30 * time.Second,
		logger:         logger.WithField("component", "session-pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns a connected, verified-alive session for the device plus a
// release function. The per-device lock is held until release, which is how
// the single-writer invariant is enforced. A stale session gets one
// teardown-and-reconnect before Acquire gives up.
func (p *Pool) Acquire(ctx context.Context, dev types.Device) (Client, func(), error) {
	p.mu.Lock()
	entry, ok := p.entries[dev.ID]
	if !ok {
		entry = &poolEntry{}
		p.entries[dev.ID] = entry
	}
	p.mu.Unlock()

	entry.mu.Lock()

	if entry.connected && time.Since(entry.lastLiveness) < p.livenessWindow {
		return entry.client, entry.mu.Unlock, nil
	}

	if entry.connected {
		if entry.client.TestLiveness() {
			entry.lastLiveness = time.Now()
			return entry.client, entry.mu.Unlock, nil
		}
		p.logger.WithField("device_id", dev.ID).Debug("Session failed liveness, reconnecting")
		entry.client.Disconnect()
		entry.connected = false
	}

	client := p.factory(dev)
	if err := client.Connect(ctx); err != nil {
		entry.mu.Unlock()
		return nil, nil, err
	}
	entry.client = client
	entry.connected = true
	entry.lastLiveness = time.Now()
	return entry.client, entry.mu.Unlock, nil
}

// Invalidate tears down the session for a device, forcing the next Acquire
// to reconnect.
func (p *Pool) Invalidate(deviceID int64) {
	p.mu.Lock()
	entry, ok := p.entries[deviceID]
	p.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.connected {
		entry.client.Disconnect()
		entry.connected = false
	}
}

// CloseAll disconnects every pooled session best-effort. Used on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[int64]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.connected {
			e.client.Disconnect()
			e.connected = false
		}
		e.mu.Unlock()
	}
}
