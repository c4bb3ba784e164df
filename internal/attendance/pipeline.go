package attendance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"school-attendance-platform/internal/broadcast"
	"school-attendance-platform/internal/device"
	"school-attendance-platform/internal/types"
)

// DeviceStore is the slice of the device repository the pipeline needs.
type DeviceStore interface {
	Get(ctx context.Context, tenantID string, id int64) (*types.Device, error)
}

// StudentStore resolves device-side user ids (which carry the student id) to
// students, batched.
type StudentStore interface {
	FindExisting(ctx context.Context, tenantID string, ids []int64) (map[int64]types.Student, error)
}

// RecordStore is the attendance repository surface: key-set dedup lookup,
// transactional bulk insert, and the grouped last-record query that seeds
// the classifier.
type RecordStore interface {
	FindExistingKeys(ctx context.Context, tenantID string, deviceID int64, keys []ScanKey) (map[ScanKey]struct{}, error)
	BulkInsert(ctx context.Context, records []*types.AttendanceRecord) error
	LastRecordsForStudents(ctx context.Context, tenantID string, studentIDs []int64, since time.Time) (map[int64]LastRecord, error)
}

// SessionProvider hands out exclusive device sessions.
type SessionProvider interface {
	Acquire(ctx context.Context, dev types.Device) (device.Client, func(), error)
}

// Pipeline pulls raw logs off a terminal, deduplicates against the database
// and the processed-scan cache, resolves students, classifies direction, and
// commits plus broadcasts the round.
type Pipeline struct {
	devices  DeviceStore
	students StudentStore
	records  RecordStore
	sessions SessionProvider
	hub      *broadcast.Hub
	cache    *ProcessedScanCache
	loc      *time.Location
	window   time.Duration
	logger   *logrus.Entry
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithDuplicateWindow overrides the duplicate-collapse window.
func WithDuplicateWindow(w time.Duration) PipelineOption {
	return func(p *Pipeline) { p.window = w }
}

// NewPipeline wires the ingestion pipeline. loc is the fallback timezone for
// devices that do not carry their own.
func NewPipeline(devices DeviceStore, students StudentStore, records RecordStore, sessions SessionProvider, hub *broadcast.Hub, cache *ProcessedScanCache, loc *time.Location, logger *logrus.Logger, opts ...PipelineOption) *Pipeline {
	if loc == nil {
		loc = time.UTC
	}
	p := &Pipeline{
		devices:  devices,
		students: students,
		records:  records,
		sessions: sessions,
		hub:      hub,
		cache:    cache,
		loc:      loc,
		window:   DefaultDuplicateWindow,
		logger:   logger.WithField("component", "attendance-pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// deviceLocation resolves the per-device timezone the same way the session
// factory does, so parsing and day boundaries agree.
func (p *Pipeline) deviceLocation(dev *types.Device) *time.Location {
	return device.LocationFor(*dev, p.loc)
}

// classifiedScan pairs a raw log with its resolution and classification.
type classifiedScan struct {
	log       types.RawAttendanceLog
	key       ScanKey
	studentID *int64
	event     types.EventType
}

// Ingest runs one pipeline round for a device. Everything up to the commit
// is transactional; broadcast and cache update are best-effort afterwards.
func (p *Pipeline) Ingest(ctx context.Context, tenantID string, deviceID int64) (*types.IngestSummary, error) {
	dev, err := p.devices.Get(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	if dev.Status != types.DeviceStatusOnline {
		return nil, types.ErrDeviceOffline
	}

	client, release, err := p.sessions.Acquire(ctx, *dev)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session for device %d: %w", deviceID, err)
	}
	logs, err := client.FetchAttendanceLogs()
	release()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attendance logs from device %d: %w", deviceID, err)
	}

	summary := &types.IngestSummary{Total: len(logs)}
	if len(logs) == 0 {
		return summary, nil
	}

	loc := p.deviceLocation(dev)
	for i := range logs {
		logs[i].Timestamp = logs[i].Timestamp.UTC()
	}

	keys := make([]ScanKey, len(logs))
	for i, l := range logs {
		keys[i] = KeyFor(l.DeviceUserID, l.Timestamp)
	}
	existing, err := p.records.FindExistingKeys(ctx, tenantID, deviceID, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing attendance keys: %w", err)
	}

	fresh := make([]types.RawAttendanceLog, 0, len(logs))
	for i, l := range logs {
		if _, ok := existing[keys[i]]; ok {
			summary.Skipped++
			continue
		}
		if p.cache.Seen(deviceID, keys[i]) {
			summary.Skipped++
			continue
		}
		fresh = append(fresh, l)
	}
	if len(fresh) == 0 {
		p.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"tenant_id": tenantID,
			"total":     summary.Total,
			"skipped":   summary.Skipped,
		}).Debug("Ingestion round produced no new logs")
		return summary, nil
	}

	// Classification depends on chronological order.
	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].Timestamp.Before(fresh[j].Timestamp)
	})

	studentIDs := make([]int64, 0, len(fresh))
	seenIDs := make(map[int64]struct{})
	for _, l := range fresh {
		id, err := strconv.ParseInt(l.DeviceUserID, 10, 64)
		if err != nil {
			continue
		}
		if _, ok := seenIDs[id]; !ok {
			seenIDs[id] = struct{}{}
			studentIDs = append(studentIDs, id)
		}
	}
	students := map[int64]types.Student{}
	if len(studentIDs) > 0 {
		students, err = p.students.FindExisting(ctx, tenantID, studentIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve students: %w", err)
		}
	}

	matched := make([]int64, 0, len(students))
	for id := range students {
		matched = append(matched, id)
	}
	history := map[int64]LastRecord{}
	if len(matched) > 0 {
		now := time.Now().In(loc)
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		history, err = p.records.LastRecordsForStudents(ctx, tenantID, matched, dayStart)
		if err != nil {
			return nil, fmt.Errorf("failed to seed classification history: %w", err)
		}
	}

	scans := make([]classifiedScan, 0, len(fresh))
	for _, l := range fresh {
		scan := classifiedScan{log: l, key: KeyFor(l.DeviceUserID, l.Timestamp)}
		id, parseErr := strconv.ParseInt(l.DeviceUserID, 10, 64)
		resolved := false
		if parseErr == nil {
			_, resolved = students[id]
		}
		if !resolved {
			scan.event = types.EventTypeUnknown
			scans = append(scans, scan)
			continue
		}
		scan.studentID = &id
		var prev *LastRecord
		if h, ok := history[id]; ok {
			prev = &h
		}
		scan.event = Classify(prev, l.Timestamp, p.window)
		if scan.event == types.EventTypeDuplicate {
			summary.DuplicatesFiltered++
		} else {
			history[id] = LastRecord{EventType: scan.event, OccurredAt: l.Timestamp}
		}
		scans = append(scans, scan)
	}

	records := make([]*types.AttendanceRecord, 0, len(scans))
	for _, s := range scans {
		if s.event == types.EventTypeDuplicate {
			continue
		}
		records = append(records, &types.AttendanceRecord{
			TenantID:     tenantID,
			DeviceID:     deviceID,
			StudentID:    s.studentID,
			DeviceUserID: s.log.DeviceUserID,
			OccurredAt:   s.log.Timestamp,
			EventType:    s.event,
			RawPayload:   fmt.Sprintf("punch=%d serial=%s", s.log.PunchCode, s.log.DeviceSerial),
		})
	}
	if len(records) > 0 {
		if err := p.records.BulkInsert(ctx, records); err != nil {
			return nil, fmt.Errorf("failed to persist attendance records: %w", err)
		}
		summary.Inserted = len(records)
	}

	p.broadcastRound(tenantID, dev, scans, students)

	processed := make([]ScanKey, len(scans))
	for i, s := range scans {
		processed[i] = s.key
	}
	p.cache.Mark(ctx, deviceID, processed)

	p.logger.WithFields(logrus.Fields{
		"device_id":           deviceID,
		"tenant_id":           tenantID,
		"total":               summary.Total,
		"inserted":            summary.Inserted,
		"skipped":             summary.Skipped,
		"duplicates_filtered": summary.DuplicatesFiltered,
	}).Info("Ingestion round complete")
	return summary, nil
}

// broadcastRound publishes the live-feed message for a round. Nothing is
// published when the round classified zero scans.
func (p *Pipeline) broadcastRound(tenantID string, dev *types.Device, scans []classifiedScan, students map[int64]types.Student) {
	if len(scans) == 0 {
		return
	}
	events := make([]broadcast.ScanEvent, 0, len(scans))
	for _, s := range scans {
		ev := broadcast.ScanEvent{
			ID:         uuid.NewString(),
			StudentID:  s.studentID,
			DeviceID:   dev.ID,
			DeviceName: dev.Name,
			EventType:  string(s.event),
			OccurredAt: s.log.Timestamp,
		}
		if s.studentID != nil {
			if st, ok := students[*s.studentID]; ok {
				ev.StudentName = st.FullName
				ev.AdmissionNumber = st.AdmissionNumber
				ev.ClassName = st.ClassName
			}
		}
		events = append(events, ev)
	}
	p.hub.Publish(broadcast.ChannelAttendanceScans, tenantID, broadcast.NewAttendanceScansEvent(events))
}
