package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"school-attendance-platform/internal/attendance"
	"school-attendance-platform/internal/types"
)

// AttendanceRepo is the persistence boundary for attendance records.
type AttendanceRepo struct {
	db *DB
}

// NewAttendanceRepo builds the repository.
func NewAttendanceRepo(db *DB) *AttendanceRepo {
	return &AttendanceRepo{db: db}
}

// FindExistingKeys reports which of the candidate natural keys already
// exist for (tenant, device). One range query; the intersection happens
// here rather than in SQL because tuple-IN is not portable across the two
// engines.
func (r *AttendanceRepo) FindExistingKeys(ctx context.Context, tenantID string, deviceID int64, keys []attendance.ScanKey) (map[attendance.ScanKey]struct{}, error) {
	out := make(map[attendance.ScanKey]struct{})
	if len(keys) == 0 {
		return out, nil
	}

	min, max := keys[0].OccurredAt, keys[0].OccurredAt
	for _, k := range keys[1:] {
		if k.OccurredAt < min {
			min = k.OccurredAt
		}
		if k.OccurredAt > max {
			max = k.OccurredAt
		}
	}

	query := r.db.rebind(`
		SELECT device_user_id, occurred_at
		FROM attendance_records
		WHERE tenant_id = ? AND device_id = ? AND deleted_at IS NULL
		  AND occurred_at >= ? AND occurred_at <= ?`)
	rows, err := r.db.conn.QueryContext(ctx, query, tenantID, deviceID,
		time.Unix(min, 0).UTC(), time.Unix(max, 0).UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query existing attendance keys: %w", err)
	}
	defer rows.Close()

	existing := make(map[attendance.ScanKey]struct{})
	for rows.Next() {
		var userID string
		var occurredAt time.Time
		if err := rows.Scan(&userID, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan attendance key: %w", err)
		}
		existing[attendance.KeyFor(userID, occurredAt)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, k := range keys {
		if _, ok := existing[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out, nil
}

// BulkInsert persists one ingestion round's records in a single
// transaction. Any failure rolls the whole round back.
func (r *AttendanceRepo) BulkInsert(ctx context.Context, records []*types.AttendanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := r.db.rebind(`
		INSERT INTO attendance_records (tenant_id, device_id, student_id, device_user_id, occurred_at, event_type, raw_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, rec := range records {
		var studentID sql.NullInt64
		if rec.StudentID != nil {
			studentID = sql.NullInt64{Int64: *rec.StudentID, Valid: true}
		}
		id, err := r.db.insertReturningID(tx, query,
			rec.TenantID, rec.DeviceID, studentID, rec.DeviceUserID,
			rec.OccurredAt.UTC(), rec.EventType, rec.RawPayload)
		if err != nil {
			return fmt.Errorf("failed to insert attendance record: %w", err)
		}
		rec.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attendance round: %w", err)
	}
	return nil
}

// LastRecordsForStudents returns each student's most recent non-deleted
// record at or after `since`, in one grouped query.
func (r *AttendanceRepo) LastRecordsForStudents(ctx context.Context, tenantID string, studentIDs []int64, since time.Time) (map[int64]attendance.LastRecord, error) {
	out := make(map[int64]attendance.LastRecord)
	if len(studentIDs) == 0 {
		return out, nil
	}

	placeholders := ""
	args := []interface{}{tenantID, since.UTC()}
	for i, id := range studentIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}

	query := r.db.rebind(fmt.Sprintf(`
		SELECT r.student_id, r.event_type, r.occurred_at
		FROM attendance_records r
		JOIN (
			SELECT student_id, MAX(occurred_at) AS occurred_at
			FROM attendance_records
			WHERE tenant_id = ? AND deleted_at IS NULL AND occurred_at >= ? AND student_id IN (%s)
			GROUP BY student_id
		) latest ON latest.student_id = r.student_id AND latest.occurred_at = r.occurred_at
		WHERE r.deleted_at IS NULL`, placeholders))

	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query last records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var studentID int64
		var eventType types.EventType
		var occurredAt time.Time
		if err := rows.Scan(&studentID, &eventType, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan last record: %w", err)
		}
		out[studentID] = attendance.LastRecord{EventType: eventType, OccurredAt: occurredAt.UTC()}
	}
	return out, rows.Err()
}

// ListRecent returns a tenant's newest records, for the read API.
func (r *AttendanceRepo) ListRecent(ctx context.Context, tenantID string, limit int) ([]types.AttendanceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.rebind(`
		SELECT id, tenant_id, device_id, student_id, device_user_id, occurred_at, event_type, raw_payload
		FROM attendance_records
		WHERE tenant_id = ? AND deleted_at IS NULL
		ORDER BY occurred_at DESC LIMIT ?`)
	rows, err := r.db.conn.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance records: %w", err)
	}
	defer rows.Close()

	var records []types.AttendanceRecord
	for rows.Next() {
		var rec types.AttendanceRecord
		var studentID sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.DeviceID, &studentID,
			&rec.DeviceUserID, &rec.OccurredAt, &rec.EventType, &rec.RawPayload); err != nil {
			return nil, fmt.Errorf("failed to scan attendance record: %w", err)
		}
		if studentID.Valid {
			id := studentID.Int64
			rec.StudentID = &id
		}
		rec.OccurredAt = rec.OccurredAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
