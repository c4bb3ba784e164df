package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ListenAddr == "" {
		t.Error("ListenAddr should not be empty")
	}

	if cfg.DBDriver != "sqlite3" {
		t.Errorf("Expected driver 'sqlite3', got '%s'", cfg.DBDriver)
	}

	if cfg.HealthInterval <= 0 {
		t.Error("HealthInterval should be positive")
	}

	if cfg.AttendancePollConcurrency <= 0 {
		t.Error("AttendancePollConcurrency should be positive")
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()

	// Valid config should pass
	if err := cfg.Validate(); err != nil {
		t.Errorf("Valid config should not return error: %v", err)
	}

	// Invalid driver should fail
	cfg.DBDriver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Error("Invalid db driver should return error")
	}

	// Reset to valid
	cfg.DBDriver = "postgres"

	// Empty DSN should fail
	cfg.DBDSN = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Empty db_dsn should return error")
	}
	cfg.DBDSN = "postgres://localhost/attendance"

	// Bad seal key length should fail
	cfg.TemplateSealKey = "too-short"
	if err := cfg.Validate(); err == nil {
		t.Error("Bad seal key length should return error")
	}
	cfg.TemplateSealKey = "0123456789abcdef0123456789abcdef"

	// Unknown timezone should fail
	cfg.AttendanceTimezone = "Mars/Olympus"
	if err := cfg.Validate(); err == nil {
		t.Error("Unknown timezone should return error")
	}
	cfg.AttendanceTimezone = "Africa/Nairobi"

	// Zero duplicate window should fail
	cfg.AttendanceDuplicateWindowMinutes = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Zero duplicate window should return error")
	}
}

func TestLocationAndWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AttendanceTimezone = ""
	if cfg.Location() != time.UTC {
		t.Error("Empty timezone should resolve to UTC")
	}

	cfg.AttendanceTimezone = "Africa/Nairobi"
	if got := cfg.Location().String(); got != "Africa/Nairobi" {
		t.Errorf("Expected Africa/Nairobi, got %s", got)
	}

	cfg.AttendanceDuplicateWindowMinutes = 5
	if cfg.DuplicateWindow() != 5*time.Minute {
		t.Errorf("Expected 5m window, got %s", cfg.DuplicateWindow())
	}
}
