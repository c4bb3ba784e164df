package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"school-attendance-platform/internal/types"
)

// DeviceRepo is the persistence boundary for registered terminals.
type DeviceRepo struct {
	db *DB
}

// NewDeviceRepo builds the repository.
func NewDeviceRepo(db *DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

const deviceColumns = `id, tenant_id, name, host, port, comm_password, serial, status,
	last_seen, max_users, device_group, timezone, created_at`

func scanDevice(scan func(dest ...interface{}) error) (*types.Device, error) {
	var dev types.Device
	var serial sql.NullString
	var lastSeen sql.NullTime
	err := scan(&dev.ID, &dev.TenantID, &dev.Name, &dev.Host, &dev.Port, &dev.CommPassword,
		&serial, &dev.Status, &lastSeen, &dev.MaxUsers, &dev.Group, &dev.Timezone, &dev.CreatedAt)
	if err != nil {
		return nil, err
	}
	if serial.Valid {
		dev.Serial = serial.String
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		dev.LastSeen = &t
	}
	return &dev, nil
}

// Create registers a device. (tenant, host, port) uniqueness is enforced by
// the schema.
func (r *DeviceRepo) Create(ctx context.Context, dev *types.Device) error {
	if dev.Port == 0 {
		dev.Port = 4370
	}
	if dev.Status == "" {
		dev.Status = types.DeviceStatusUnknown
	}
	dev.CreatedAt = time.Now().UTC()

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := r.db.rebind(`
		INSERT INTO devices (tenant_id, name, host, port, comm_password, serial, status, max_users, device_group, timezone, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	id, err := r.db.insertReturningID(tx, query,
		dev.TenantID, dev.Name, dev.Host, dev.Port, dev.CommPassword,
		sql.NullString{String: dev.Serial, Valid: dev.Serial != ""},
		dev.Status, dev.MaxUsers, dev.Group, dev.Timezone, dev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert device: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit device insert: %w", err)
	}
	dev.ID = id
	return nil
}

// Get loads one non-deleted device under a tenant.
func (r *DeviceRepo) Get(ctx context.Context, tenantID string, id int64) (*types.Device, error) {
	query := r.db.rebind(`SELECT ` + deviceColumns + `
		FROM devices WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`)
	dev, err := scanDevice(r.db.conn.QueryRowContext(ctx, query, id, tenantID).Scan)
	if err == sql.ErrNoRows {
		return nil, types.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device %d: %w", id, err)
	}
	return dev, nil
}

// ListActive returns every non-deleted device across tenants, for the
// fleet loops.
func (r *DeviceRepo) ListActive(ctx context.Context) ([]types.Device, error) {
	query := r.db.rebind(`SELECT ` + deviceColumns + `
		FROM devices WHERE deleted_at IS NULL ORDER BY id`)
	rows, err := r.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []types.Device
	for rows.Next() {
		dev, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

// ListByTenant returns a tenant's non-deleted devices.
func (r *DeviceRepo) ListByTenant(ctx context.Context, tenantID string) ([]types.Device, error) {
	query := r.db.rebind(`SELECT ` + deviceColumns + `
		FROM devices WHERE tenant_id = ? AND deleted_at IS NULL ORDER BY id`)
	rows, err := r.db.conn.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant devices: %w", err)
	}
	defer rows.Close()

	var devices []types.Device
	for rows.Next() {
		dev, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

// UpdateStatus records the health probe's observation.
func (r *DeviceRepo) UpdateStatus(ctx context.Context, id int64, status types.DeviceStatus, lastSeen *time.Time) error {
	var query string
	var args []interface{}
	if lastSeen != nil {
		query = `UPDATE devices SET status = ?, last_seen = ? WHERE id = ? AND deleted_at IS NULL`
		args = []interface{}{status, lastSeen.UTC(), id}
	} else {
		query = `UPDATE devices SET status = ? WHERE id = ? AND deleted_at IS NULL`
		args = []interface{}{status, id}
	}
	if _, err := r.db.conn.ExecContext(ctx, r.db.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	return nil
}

// UpdateMaxUsers records the capacity the info-sync loop read back.
func (r *DeviceRepo) UpdateMaxUsers(ctx context.Context, id int64, maxUsers int) error {
	query := r.db.rebind(`UPDATE devices SET max_users = ? WHERE id = ? AND deleted_at IS NULL`)
	if _, err := r.db.conn.ExecContext(ctx, query, maxUsers, id); err != nil {
		return fmt.Errorf("failed to update device capacity: %w", err)
	}
	return nil
}

// UpdateSerial stores the serial the device reported.
func (r *DeviceRepo) UpdateSerial(ctx context.Context, id int64, serial string) error {
	query := r.db.rebind(`UPDATE devices SET serial = ? WHERE id = ? AND deleted_at IS NULL`)
	if _, err := r.db.conn.ExecContext(ctx, query, serial, id); err != nil {
		return fmt.Errorf("failed to update device serial: %w", err)
	}
	return nil
}

// SoftDelete tombstones a device; it disappears from every loop and query.
func (r *DeviceRepo) SoftDelete(ctx context.Context, tenantID string, id int64) error {
	query := r.db.rebind(`UPDATE devices SET deleted_at = ? WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`)
	result, err := r.db.conn.ExecContext(ctx, query, time.Now().UTC(), id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	n, err := result.RowsAffected()
	if err == nil && n == 0 {
		return types.ErrDeviceNotFound
	}
	return nil
}
