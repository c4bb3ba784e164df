package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the platform configuration
type Config struct {
	// HTTP ingress
	ListenAddr string `mapstructure:"listen_addr"`
	JWTSecret  string `mapstructure:"jwt_secret"`

	// Database configuration
	DBDriver string `mapstructure:"db_driver"` // sqlite3, postgres
	DBDSN    string `mapstructure:"db_dsn"`

	// Template sealing key, 16/24/32 bytes
	TemplateSealKey string `mapstructure:"template_seal_key"`

	// Optional Redis mirror for the processed-scan cache
	RedisAddr string `mapstructure:"redis_addr"`

	// Fleet loop intervals (seconds)
	HealthInterval            int `mapstructure:"health_interval"`
	InfoSyncInterval          int `mapstructure:"info_sync_interval"`
	AttendancePollInterval    int `mapstructure:"attendance_poll_interval"`
	AttendancePollConcurrency int `mapstructure:"attendance_poll_concurrency"`

	// Attendance classification
	AttendanceDuplicateWindowMinutes int    `mapstructure:"attendance_duplicate_window_minutes"`
	AttendanceTimezone               string `mapstructure:"attendance_timezone"`

	// Device session behaviour
	DefaultDeviceTimeout      int  `mapstructure:"default_device_timeout"` // seconds
	ProcessedKeysMaxPerDevice int  `mapstructure:"processed_keys_max_per_device"`
	SimulationMode            bool `mapstructure:"simulation_mode"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:                       ":8080",
		DBDriver:                         "sqlite3",
		DBDSN:                            "./attendance.db",
		HealthInterval:                   30,
		InfoSyncInterval:                 60,
		AttendancePollInterval:           60,
		AttendancePollConcurrency:        4,
		AttendanceDuplicateWindowMinutes: 5,
		AttendanceTimezone:               "UTC",
		DefaultDeviceTimeout:             10,
		ProcessedKeysMaxPerDevice:        5000,
		SimulationMode:                   false,
		LogLevel:                         "info",
		LogFile:                          "",
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		// Look for config in current directory and common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/school-attendance")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".school-attendance"))
		}
	}

	v.SetEnvPrefix("ATTENDANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("jwt_secret", cfg.JWTSecret)
	v.SetDefault("db_driver", cfg.DBDriver)
	v.SetDefault("db_dsn", cfg.DBDSN)
	v.SetDefault("template_seal_key", cfg.TemplateSealKey)
	v.SetDefault("redis_addr", cfg.RedisAddr)
	v.SetDefault("health_interval", cfg.HealthInterval)
	v.SetDefault("info_sync_interval", cfg.InfoSyncInterval)
	v.SetDefault("attendance_poll_interval", cfg.AttendancePollInterval)
	v.SetDefault("attendance_poll_concurrency", cfg.AttendancePollConcurrency)
	v.SetDefault("attendance_duplicate_window_minutes", cfg.AttendanceDuplicateWindowMinutes)
	v.SetDefault("attendance_timezone", cfg.AttendanceTimezone)
	v.SetDefault("default_device_timeout", cfg.DefaultDeviceTimeout)
	v.SetDefault("processed_keys_max_per_device", cfg.ProcessedKeysMaxPerDevice)
	v.SetDefault("simulation_mode", cfg.SimulationMode)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.DBDriver != "sqlite3" && c.DBDriver != "postgres" {
		return fmt.Errorf("db_driver must be one of: sqlite3, postgres")
	}

	if c.DBDSN == "" {
		return fmt.Errorf("db_dsn is required")
	}

	switch len(c.TemplateSealKey) {
	case 0, 16, 24, 32:
	default:
		return fmt.Errorf("template_seal_key must be 16, 24 or 32 bytes")
	}

	if c.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive")
	}

	if c.InfoSyncInterval <= 0 {
		return fmt.Errorf("info_sync_interval must be positive")
	}

	if c.AttendancePollInterval <= 0 {
		return fmt.Errorf("attendance_poll_interval must be positive")
	}

	if c.AttendancePollConcurrency <= 0 {
		return fmt.Errorf("attendance_poll_concurrency must be positive")
	}

	if c.AttendanceDuplicateWindowMinutes <= 0 {
		return fmt.Errorf("attendance_duplicate_window_minutes must be positive")
	}

	if c.AttendanceTimezone != "" {
		if err := validateTimezone(c.AttendanceTimezone); err != nil {
			return err
		}
	}

	if c.DefaultDeviceTimeout <= 0 {
		return fmt.Errorf("default_device_timeout must be positive")
	}

	if c.ProcessedKeysMaxPerDevice <= 0 {
		return fmt.Errorf("processed_keys_max_per_device must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}

func validateTimezone(name string) error {
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("invalid attendance_timezone %q: %w", name, err)
	}
	return nil
}

// Location resolves the configured attendance timezone.
func (c *Config) Location() *time.Location {
	if c.AttendanceTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.AttendanceTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DuplicateWindow returns the classifier window as a duration.
func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.AttendanceDuplicateWindowMinutes) * time.Minute
}
