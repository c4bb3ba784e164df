package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"school-attendance-platform/internal/types"
)

// EnrollmentRepo is the persistence boundary for enrollment sessions.
type EnrollmentRepo struct {
	db *DB
}

// NewEnrollmentRepo builds the repository.
func NewEnrollmentRepo(db *DB) *EnrollmentRepo {
	return &EnrollmentRepo{db: db}
}

const enrollmentColumns = `id, uuid, tenant_id, student_id, device_id, finger_index,
	status, error, sealed_template, quality, started_at, completed_at`

func scanEnrollment(scan func(dest ...interface{}) error) (*types.EnrollmentSession, error) {
	var s types.EnrollmentSession
	var completedAt sql.NullTime
	err := scan(&s.ID, &s.UUID, &s.TenantID, &s.StudentID, &s.DeviceID, &s.FingerIndex,
		&s.Status, &s.Error, &s.SealedTemplate, &s.Quality, &s.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

// Create persists a new PENDING session.
func (r *EnrollmentRepo) Create(ctx context.Context, session *types.EnrollmentSession) error {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := r.db.rebind(`
		INSERT INTO enrollment_sessions (uuid, tenant_id, student_id, device_id, finger_index, status, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	id, err := r.db.insertReturningID(tx, query,
		session.UUID, session.TenantID, session.StudentID, session.DeviceID,
		session.FingerIndex, session.Status, session.Error, session.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert enrollment session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enrollment insert: %w", err)
	}
	session.ID = id
	return nil
}

// GetByID loads one session.
func (r *EnrollmentRepo) GetByID(ctx context.Context, id int64) (*types.EnrollmentSession, error) {
	query := r.db.rebind(`SELECT ` + enrollmentColumns + ` FROM enrollment_sessions WHERE id = ?`)
	s, err := scanEnrollment(r.db.conn.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, types.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment %d: %w", id, err)
	}
	return s, nil
}

// GetByUUID loads one session by its public id under a tenant.
func (r *EnrollmentRepo) GetByUUID(ctx context.Context, tenantID, sessionUUID string) (*types.EnrollmentSession, error) {
	query := r.db.rebind(`SELECT ` + enrollmentColumns + `
		FROM enrollment_sessions WHERE uuid = ? AND tenant_id = ?`)
	s, err := scanEnrollment(r.db.conn.QueryRowContext(ctx, query, sessionUUID, tenantID).Scan)
	if err == sql.ErrNoRows {
		return nil, types.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment %s: %w", sessionUUID, err)
	}
	return s, nil
}

// UpdateStatus moves a session along its lifecycle.
func (r *EnrollmentRepo) UpdateStatus(ctx context.Context, id int64, status types.EnrollmentStatus, errMsg string, completedAt *time.Time) error {
	var completed sql.NullTime
	if completedAt != nil {
		completed = sql.NullTime{Time: completedAt.UTC(), Valid: true}
	}
	query := r.db.rebind(`UPDATE enrollment_sessions SET status = ?, error = ?, completed_at = ? WHERE id = ?`)
	if _, err := r.db.conn.ExecContext(ctx, query, status, errMsg, completed, id); err != nil {
		return fmt.Errorf("failed to update enrollment status: %w", err)
	}
	return nil
}

// SetResult stores the sealed template and quality of a completed run.
func (r *EnrollmentRepo) SetResult(ctx context.Context, id int64, sealedTemplate []byte, quality int) error {
	query := r.db.rebind(`UPDATE enrollment_sessions SET sealed_template = ?, quality = ? WHERE id = ?`)
	if _, err := r.db.conn.ExecContext(ctx, query, sealedTemplate, quality, id); err != nil {
		return fmt.Errorf("failed to store enrollment result: %w", err)
	}
	return nil
}

// HasActive reports whether a non-terminal session exists for the
// (device, finger) pair — the concurrency guard for StartEnrollment.
func (r *EnrollmentRepo) HasActive(ctx context.Context, deviceID int64, fingerIndex int) (bool, error) {
	query := r.db.rebind(`
		SELECT COUNT(*) FROM enrollment_sessions
		WHERE device_id = ? AND finger_index = ? AND status IN ('PENDING', 'IN_PROGRESS')`)
	var n int
	if err := r.db.conn.QueryRowContext(ctx, query, deviceID, fingerIndex).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count active enrollments: %w", err)
	}
	return n > 0, nil
}

// EnrolledFingerIndices lists the fingers a student has completed
// enrollments for on a device.
func (r *EnrollmentRepo) EnrolledFingerIndices(ctx context.Context, tenantID string, studentID, deviceID int64) ([]int, error) {
	query := r.db.rebind(`
		SELECT DISTINCT finger_index FROM enrollment_sessions
		WHERE tenant_id = ? AND student_id = ? AND device_id = ? AND status = 'COMPLETED'
		ORDER BY finger_index`)
	rows, err := r.db.conn.QueryContext(ctx, query, tenantID, studentID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrolled fingers: %w", err)
	}
	defer rows.Close()

	var fingers []int
	for rows.Next() {
		var f int
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("failed to scan finger index: %w", err)
		}
		fingers = append(fingers, f)
	}
	return fingers, rows.Err()
}

// LatestCompletedByStudent returns the student's newest COMPLETED session.
func (r *EnrollmentRepo) LatestCompletedByStudent(ctx context.Context, tenantID string, studentID int64) (*types.EnrollmentSession, error) {
	query := r.db.rebind(`SELECT ` + enrollmentColumns + `
		FROM enrollment_sessions
		WHERE tenant_id = ? AND student_id = ? AND status = 'COMPLETED'
		ORDER BY completed_at DESC LIMIT 1`)
	s, err := scanEnrollment(r.db.conn.QueryRowContext(ctx, query, tenantID, studentID).Scan)
	if err == sql.ErrNoRows {
		return nil, types.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest enrollment: %w", err)
	}
	return s, nil
}

// LatestCompletedByDevice returns the device's newest COMPLETED session.
func (r *EnrollmentRepo) LatestCompletedByDevice(ctx context.Context, tenantID string, deviceID int64) (*types.EnrollmentSession, error) {
	query := r.db.rebind(`SELECT ` + enrollmentColumns + `
		FROM enrollment_sessions
		WHERE tenant_id = ? AND device_id = ? AND status = 'COMPLETED'
		ORDER BY completed_at DESC LIMIT 1`)
	s, err := scanEnrollment(r.db.conn.QueryRowContext(ctx, query, tenantID, deviceID).Scan)
	if err == sql.ErrNoRows {
		return nil, types.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest enrollment: %w", err)
	}
	return s, nil
}
