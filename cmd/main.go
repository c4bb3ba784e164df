package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"school-attendance-platform/internal/api"
	"school-attendance-platform/internal/attendance"
	"school-attendance-platform/internal/broadcast"
	"school-attendance-platform/internal/config"
	"school-attendance-platform/internal/database"
	"school-attendance-platform/internal/device"
	"school-attendance-platform/internal/enrollment"
	"school-attendance-platform/internal/fleet"
	"school-attendance-platform/internal/logging"
	"school-attendance-platform/internal/metrics"
	"school-attendance-platform/internal/types"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "attendance-platform",
	Short: "School attendance platform - drive ZKTeco terminals and classify taps",
	Long: `A multi-tenant backend that manages fleets of ZKTeco fingerprint
terminals over their native TCP protocol, runs interactive fingerprint
enrollment, ingests raw attendance dumps, classifies each tap as an IN or
OUT event, and streams live updates to school dashboards.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.Initialize(logLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
		return fmt.Errorf("failed to set up file logging: %w", err)
	}

	logger.WithField("listen_addr", cfg.ListenAddr).Info("Attendance platform starting up")

	db, err := database.NewDB(database.Config{
		Driver:  cfg.DBDriver,
		DSN:     cfg.DBDSN,
		SealKey: []byte(cfg.TemplateSealKey),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if cfg.TemplateSealKey == "" {
		logger.Warn("No template seal key configured, enrollment captures cannot be stored")
	}

	deviceRepo := database.NewDeviceRepo(db)
	studentRepo := database.NewStudentRepo(db)
	attendanceRepo := database.NewAttendanceRepo(db)
	enrollmentRepo := database.NewEnrollmentRepo(db)
	templateRepo := database.NewTemplateRepo(db)

	hub := broadcast.NewHub(logger)
	m := metrics.New(prometheus.DefaultRegisterer)
	loc := cfg.Location()

	var factory device.Factory
	if cfg.SimulationMode {
		logger.Warn("Simulation mode enabled, no real terminals will be contacted")
		factory = device.SimulatedFactory
	} else {
		opTimeout := time.Duration(cfg.DefaultDeviceTimeout) * time.Second
		factory = func(dev types.Device) device.Client {
			// Raw timestamps must be parsed in the same zone the pipeline
			// computes day boundaries in.
			return device.NewSession(dev, device.LocationFor(dev, loc), logger,
				device.WithOperationTimeout(opTimeout))
		}
	}
	pool := device.NewPool(factory, logger)
	defer pool.CloseAll()

	var cacheOpts []attendance.CacheOption
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		cacheOpts = append(cacheOpts, attendance.WithRedisMirror(rdb))
	}
	cache := attendance.NewProcessedScanCache(cfg.ProcessedKeysMaxPerDevice, logger, cacheOpts...)

	pipeline := attendance.NewPipeline(deviceRepo, studentRepo, attendanceRepo, pool, hub, cache, loc, logger,
		attendance.WithDuplicateWindow(cfg.DuplicateWindow()))

	fleetSvc := fleet.NewService(deviceRepo, pool, hub, logger)
	loopCfg := fleet.LoopConfig{
		HealthInterval:     time.Duration(cfg.HealthInterval) * time.Second,
		InfoSyncInterval:   time.Duration(cfg.InfoSyncInterval) * time.Second,
		AttendanceInterval: time.Duration(cfg.AttendancePollInterval) * time.Second,
		PollConcurrency:    cfg.AttendancePollConcurrency,
	}
	manager := fleet.NewManager(loopCfg, deviceRepo, pool, fleetSvc, pipeline, hub, logger, fleet.WithMetrics(m))

	enrollSvc := enrollment.NewService(deviceRepo, studentRepo, pool, enrollmentRepo, templateRepo, db, hub, logger,
		enrollment.WithMetrics(m))

	handlers := api.NewHandlers(deviceRepo, studentRepo, attendanceRepo, fleetSvc, enrollSvc, pipeline, logger)
	serverCfg := api.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.ListenAddr
	serverCfg.JWTSecret = cfg.JWTSecret
	server := api.NewServer(serverCfg, handlers, hub, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RedisAddr != "" {
		if devices, err := deviceRepo.ListActive(ctx); err == nil {
			for _, dev := range devices {
				cache.Preload(ctx, dev.ID)
			}
		}
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fleet loops: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	logger.Info("Attendance platform initialized successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown failed")
	}
	manager.Stop()

	return nil
}
