package database

import (
	"fmt"
)

// migrate creates the schema. Statements are written in the portable
// subset both engines accept, with the id column spelled per engine.
func (db *DB) migrate() error {
	id, blob := "INTEGER PRIMARY KEY AUTOINCREMENT", "BLOB"
	if db.driver == DriverPostgres {
		id, blob = "BIGSERIAL PRIMARY KEY", "BYTEA"
	}

	migrations := []string{
		fmt.Sprintf(createDevicesTable, id),
		fmt.Sprintf(createStudentsTable, id),
		fmt.Sprintf(createAttendanceTable, id),
		fmt.Sprintf(createEnrollmentTable, id, blob),
		fmt.Sprintf(createTemplatesTable, id, blob),
		createIndexes,
	}
	for i, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}
	return nil
}

const createDevicesTable = `
CREATE TABLE IF NOT EXISTS devices (
    id %s,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    host TEXT NOT NULL,
    port INTEGER NOT NULL DEFAULT 4370,
    comm_password TEXT NOT NULL DEFAULT '',
    serial TEXT,
    status TEXT NOT NULL DEFAULT 'UNKNOWN' CHECK (status IN ('ONLINE', 'OFFLINE', 'UNKNOWN')),
    last_seen TIMESTAMP NULL,
    max_users INTEGER NOT NULL DEFAULT 0,
    device_group TEXT NOT NULL DEFAULT '',
    timezone TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at TIMESTAMP NULL,
    UNIQUE (tenant_id, host, port)
);`

const createStudentsTable = `
CREATE TABLE IF NOT EXISTS students (
    id %s,
    tenant_id TEXT NOT NULL,
    full_name TEXT NOT NULL,
    admission_number TEXT NOT NULL DEFAULT '',
    class_name TEXT NOT NULL DEFAULT '',
    deleted_at TIMESTAMP NULL
);`

const createAttendanceTable = `
CREATE TABLE IF NOT EXISTS attendance_records (
    id %s,
    tenant_id TEXT NOT NULL,
    device_id INTEGER NOT NULL,
    student_id INTEGER NULL,
    device_user_id TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    event_type TEXT NOT NULL CHECK (event_type IN ('IN', 'OUT', 'UNKNOWN')),
    raw_payload TEXT NOT NULL DEFAULT '',
    deleted_at TIMESTAMP NULL,
    UNIQUE (tenant_id, device_id, device_user_id, occurred_at)
);`

const createEnrollmentTable = `
CREATE TABLE IF NOT EXISTS enrollment_sessions (
    id %s,
    uuid TEXT UNIQUE NOT NULL,
    tenant_id TEXT NOT NULL,
    student_id INTEGER NOT NULL,
    device_id INTEGER NOT NULL,
    finger_index INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING'
        CHECK (status IN ('PENDING', 'IN_PROGRESS', 'COMPLETED', 'FAILED', 'CANCELLED')),
    error TEXT NOT NULL DEFAULT '',
    sealed_template %s NULL,
    quality INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP NULL
);`

const createTemplatesTable = `
CREATE TABLE IF NOT EXISTS fingerprint_templates (
    id %s,
    tenant_id TEXT NOT NULL,
    student_id INTEGER NOT NULL,
    device_origin_id INTEGER NOT NULL,
    finger_index INTEGER NOT NULL,
    sealed_bytes %s NOT NULL,
    quality INTEGER NOT NULL DEFAULT 0,
    source_enrollment INTEGER NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at TIMESTAMP NULL
);`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_devices_tenant ON devices(tenant_id, deleted_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_serial ON devices(serial) WHERE serial IS NOT NULL AND serial <> '';
CREATE INDEX IF NOT EXISTS idx_attendance_device_time ON attendance_records(tenant_id, device_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_attendance_student_time ON attendance_records(tenant_id, student_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_enrollment_device_finger ON enrollment_sessions(device_id, finger_index, status);
CREATE INDEX IF NOT EXISTS idx_templates_student_finger ON fingerprint_templates(tenant_id, student_id, finger_index, deleted_at);
`
