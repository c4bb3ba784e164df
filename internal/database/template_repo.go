package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"school-attendance-platform/internal/types"
)

// TemplateRepo is the append-only store for sealed fingerprint templates.
// The latest non-deleted row per (student, finger) is the canonical copy.
type TemplateRepo struct {
	db *DB
}

// NewTemplateRepo builds the repository.
func NewTemplateRepo(db *DB) *TemplateRepo {
	return &TemplateRepo{db: db}
}

// Create appends a sealed template copy.
func (r *TemplateRepo) Create(ctx context.Context, tpl *types.FingerprintTemplate) error {
	tpl.CreatedAt = time.Now().UTC()

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var source sql.NullInt64
	if tpl.SourceEnrollment != nil {
		source = sql.NullInt64{Int64: *tpl.SourceEnrollment, Valid: true}
	}
	query := r.db.rebind(`
		INSERT INTO fingerprint_templates (tenant_id, student_id, device_origin_id, finger_index, sealed_bytes, quality, source_enrollment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	id, err := r.db.insertReturningID(tx, query,
		tpl.TenantID, tpl.StudentID, tpl.DeviceOriginID, tpl.FingerIndex,
		tpl.SealedBytes, tpl.Quality, source, tpl.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template insert: %w", err)
	}
	tpl.ID = id
	return nil
}

// LatestByStudentFinger returns the canonical template copy for a
// (student, finger) pair.
func (r *TemplateRepo) LatestByStudentFinger(ctx context.Context, tenantID string, studentID int64, fingerIndex int) (*types.FingerprintTemplate, error) {
	query := r.db.rebind(`
		SELECT id, tenant_id, student_id, device_origin_id, finger_index, sealed_bytes, quality, source_enrollment, created_at
		FROM fingerprint_templates
		WHERE tenant_id = ? AND student_id = ? AND finger_index = ? AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC LIMIT 1`)

	var tpl types.FingerprintTemplate
	var source sql.NullInt64
	err := r.db.conn.QueryRowContext(ctx, query, tenantID, studentID, fingerIndex).
		Scan(&tpl.ID, &tpl.TenantID, &tpl.StudentID, &tpl.DeviceOriginID, &tpl.FingerIndex,
			&tpl.SealedBytes, &tpl.Quality, &source, &tpl.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	if source.Valid {
		id := source.Int64
		tpl.SourceEnrollment = &id
	}
	return &tpl, nil
}

// SoftDelete tombstones every copy for a (student, device, finger) triple.
func (r *TemplateRepo) SoftDelete(ctx context.Context, tenantID string, studentID, deviceID int64, fingerIndex int) error {
	query := r.db.rebind(`
		UPDATE fingerprint_templates SET deleted_at = ?
		WHERE tenant_id = ? AND student_id = ? AND device_origin_id = ? AND finger_index = ? AND deleted_at IS NULL`)
	if _, err := r.db.conn.ExecContext(ctx, query, time.Now().UTC(), tenantID, studentID, deviceID, fingerIndex); err != nil {
		return fmt.Errorf("failed to delete templates: %w", err)
	}
	return nil
}
