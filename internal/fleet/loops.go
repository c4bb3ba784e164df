package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"school-attendance-platform/internal/broadcast"
	"school-attendance-platform/internal/metrics"
	"school-attendance-platform/internal/types"
)

// Ingestor runs one attendance ingestion round for a device.
type Ingestor interface {
	Ingest(ctx context.Context, tenantID string, deviceID int64) (*types.IngestSummary, error)
}

// LoopConfig carries the tick intervals and fan-out width of the three
// fleet loops.
type LoopConfig struct {
	HealthInterval     time.Duration
	InfoSyncInterval   time.Duration
	AttendanceInterval time.Duration
	PollConcurrency    int
}

// DefaultLoopConfig returns the stock intervals.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		HealthInterval:     30 * time.Second,
		InfoSyncInterval:   60 * time.Second,
		AttendanceInterval: 60 * time.Second,
		PollConcurrency:    4,
	}
}

// Manager runs the three periodic fleet loops until stopped. A failure on
// one device is logged and never halts a round; on shutdown each loop
// finishes its in-flight round first.
type Manager struct {
	cfg      LoopConfig
	devices  DeviceRepo
	sessions SessionProvider
	service  *Service
	ingestor Ingestor
	hub      *broadcast.Hub
	metrics  *metrics.Metrics
	logger   *logrus.Entry

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics records loop and ingestion outcomes into the given collectors.
func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager wires the loop manager.
func NewManager(cfg LoopConfig, devices DeviceRepo, sessions SessionProvider, service *Service, ingestor Ingestor, hub *broadcast.Hub, logger *logrus.Logger, opts ...ManagerOption) *Manager {
	if cfg.PollConcurrency <= 0 {
		cfg.PollConcurrency = 4
	}
	m := &Manager{
		cfg:      cfg,
		devices:  devices,
		sessions: sessions,
		service:  service,
		ingestor: ingestor,
		hub:      hub,
		logger:   logger.WithField("component", "fleet-loops"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the three loops. Each runs one round immediately, then on
// its interval.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("fleet manager is already running")
	}
	m.isRunning = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"health_interval":     m.cfg.HealthInterval,
		"info_sync_interval":  m.cfg.InfoSyncInterval,
		"attendance_interval": m.cfg.AttendanceInterval,
		"poll_concurrency":    m.cfg.PollConcurrency,
	}).Info("Starting fleet loops")

	m.runLoop(ctx, "health-probe", m.cfg.HealthInterval, m.healthRound)
	m.runLoop(ctx, "info-sync", m.cfg.InfoSyncInterval, m.infoSyncRound)
	m.runLoop(ctx, "attendance-poll", m.cfg.AttendanceInterval, m.attendanceRound)
	return nil
}

// Stop signals the loops and waits for in-flight rounds to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Fleet loops stopped")
}

func (m *Manager) runLoop(ctx context.Context, name string, interval time.Duration, round func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log := m.logger.WithField("loop", name)
		runRound := func() {
			round(ctx)
			if m.metrics != nil {
				m.metrics.LoopRounds.WithLabelValues(name).Inc()
			}
		}

		runRound()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("Loop stopped by context")
				return
			case <-m.stopCh:
				log.Info("Loop stopped")
				return
			case <-ticker.C:
				runRound()
			}
		}
	}()
}

// healthRound probes every non-deleted device and publishes the observed
// status. Probes fan out without a cap; they are short.
func (m *Manager) healthRound(ctx context.Context) {
	devices, err := m.devices.ListActive(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to list devices for health round")
		return
	}
	var wg sync.WaitGroup
	for _, dev := range devices {
		wg.Add(1)
		go func(dev types.Device) {
			defer wg.Done()
			m.probeDevice(ctx, dev)
		}(dev)
	}
	wg.Wait()
}

func (m *Manager) probeDevice(ctx context.Context, dev types.Device) {
	log := m.logger.WithFields(logrus.Fields{"device_id": dev.ID, "tenant_id": dev.TenantID})

	status := types.DeviceStatusOffline
	var lastSeen *time.Time
	client, release, err := m.sessions.Acquire(ctx, dev)
	if err == nil {
		alive := client.TestLiveness()
		release()
		if alive {
			status = types.DeviceStatusOnline
			now := time.Now().UTC()
			lastSeen = &now
		} else {
			m.sessions.Invalidate(dev.ID)
		}
	} else {
		log.WithError(err).Debug("Health probe could not connect")
	}

	if m.metrics != nil {
		id := fmt.Sprintf("%d", dev.ID)
		for _, s := range []types.DeviceStatus{types.DeviceStatusOnline, types.DeviceStatusOffline} {
			v := 0.0
			if s == status {
				v = 1.0
			}
			m.metrics.DeviceStatus.WithLabelValues(id, string(s)).Set(v)
		}
	}

	if err := m.devices.UpdateStatus(ctx, dev.ID, status, lastSeen); err != nil {
		log.WithError(err).Error("Failed to persist device status")
		return
	}
	m.hub.Publish(broadcast.ChannelDeviceStatus, dev.TenantID,
		broadcast.NewDeviceStatusEvent(dev.ID, status, lastSeen))
}

// infoSyncRound refreshes metadata for every ONLINE device and publishes
// the bundle. Per-device errors are logged and swallowed.
func (m *Manager) infoSyncRound(ctx context.Context) {
	devices, err := m.devices.ListActive(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to list devices for info sync")
		return
	}
	for _, dev := range devices {
		if dev.Status != types.DeviceStatusOnline {
			continue
		}
		log := m.logger.WithFields(logrus.Fields{"device_id": dev.ID, "tenant_id": dev.TenantID})

		client, release, err := m.sessions.Acquire(ctx, dev)
		if err != nil {
			log.WithError(err).Warn("Info sync could not connect")
			continue
		}
		info := m.service.collectInfo(client, dev.ID)
		release()

		if info.Capacity != nil && info.Capacity.UsersCap > 0 {
			if err := m.devices.UpdateMaxUsers(ctx, dev.ID, info.Capacity.UsersCap); err != nil {
				log.WithError(err).Error("Failed to persist device capacity")
			}
		}
		m.hub.Publish(broadcast.ChannelDeviceInfo, dev.TenantID,
			broadcast.NewDeviceInfoEvent(dev.ID, *info))
	}
}

// attendanceRound ingests every ONLINE device under the poll semaphore.
func (m *Manager) attendanceRound(ctx context.Context) {
	devices, err := m.devices.ListActive(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to list devices for attendance poll")
		return
	}
	sem := make(chan struct{}, m.cfg.PollConcurrency)
	var wg sync.WaitGroup
	for _, dev := range devices {
		if dev.Status != types.DeviceStatusOnline {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(dev types.Device) {
			defer wg.Done()
			defer func() { <-sem }()
			summary, err := m.ingestor.Ingest(ctx, dev.TenantID, dev.ID)
			if err != nil {
				m.logger.WithError(err).WithFields(logrus.Fields{
					"device_id": dev.ID,
					"tenant_id": dev.TenantID,
				}).Warn("Attendance ingestion failed")
				return
			}
			if m.metrics != nil {
				m.metrics.IngestResults.WithLabelValues("inserted").Add(float64(summary.Inserted))
				m.metrics.IngestResults.WithLabelValues("skipped").Add(float64(summary.Skipped))
				m.metrics.IngestResults.WithLabelValues("duplicate").Add(float64(summary.DuplicatesFiltered))
			}
			if summary.Inserted > 0 {
				m.logger.WithFields(logrus.Fields{
					"device_id": dev.ID,
					"inserted":  summary.Inserted,
					"skipped":   summary.Skipped,
				}).Info("Attendance ingested")
			}
		}(dev)
	}
	wg.Wait()
}
