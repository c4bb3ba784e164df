package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"school-attendance-platform/internal/types"
)

// StudentRepo is the persistence boundary for students.
type StudentRepo struct {
	db *DB
}

// NewStudentRepo builds the repository.
func NewStudentRepo(db *DB) *StudentRepo {
	return &StudentRepo{db: db}
}

// Create registers a student.
func (r *StudentRepo) Create(ctx context.Context, student *types.Student) error {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := r.db.rebind(`
		INSERT INTO students (tenant_id, full_name, admission_number, class_name)
		VALUES (?, ?, ?, ?)`)
	id, err := r.db.insertReturningID(tx, query,
		student.TenantID, student.FullName, student.AdmissionNumber, student.ClassName)
	if err != nil {
		return fmt.Errorf("failed to insert student: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit student insert: %w", err)
	}
	student.ID = id
	return nil
}

// Get loads one non-deleted student under a tenant.
func (r *StudentRepo) Get(ctx context.Context, tenantID string, id int64) (*types.Student, error) {
	query := r.db.rebind(`
		SELECT id, tenant_id, full_name, admission_number, class_name
		FROM students WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`)
	var st types.Student
	err := r.db.conn.QueryRowContext(ctx, query, id, tenantID).
		Scan(&st.ID, &st.TenantID, &st.FullName, &st.AdmissionNumber, &st.ClassName)
	if err == sql.ErrNoRows {
		return nil, types.ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load student %d: %w", id, err)
	}
	return &st, nil
}

// FindExisting resolves a batch of candidate ids to the students that
// exist under the tenant. Missing ids are simply absent from the result.
func (r *StudentRepo) FindExisting(ctx context.Context, tenantID string, ids []int64) (map[int64]types.Student, error) {
	out := make(map[int64]types.Student, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := r.db.rebind(fmt.Sprintf(`
		SELECT id, tenant_id, full_name, admission_number, class_name
		FROM students WHERE tenant_id = ? AND deleted_at IS NULL AND id IN (%s)`, placeholders))

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve students: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st types.Student
		if err := rows.Scan(&st.ID, &st.TenantID, &st.FullName, &st.AdmissionNumber, &st.ClassName); err != nil {
			return nil, fmt.Errorf("failed to scan student row: %w", err)
		}
		out[st.ID] = st
	}
	return out, rows.Err()
}

// SoftDelete tombstones a student.
func (r *StudentRepo) SoftDelete(ctx context.Context, tenantID string, id int64) error {
	query := r.db.rebind(`
		UPDATE students SET deleted_at = CURRENT_TIMESTAMP
		WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`)
	result, err := r.db.conn.ExecContext(ctx, query, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete student: %w", err)
	}
	n, err := result.RowsAffected()
	if err == nil && n == 0 {
		return types.ErrStudentNotFound
	}
	return nil
}
