// Package api is the HTTP/WebSocket ingress for the attendance platform.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"school-attendance-platform/internal/broadcast"
	"school-attendance-platform/internal/metrics"
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	ListenAddr   string
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns sane listener defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server ties the router, handlers and broadcast hub together.
type Server struct {
	config     ServerConfig
	router     *mux.Router
	httpServer *http.Server
	handlers   *Handlers
	hub        *broadcast.Hub
	metrics    *metrics.Metrics
	jwtSecret  []byte
	logger     *logrus.Entry
}

// NewServer builds the ingress. The metrics handle may be nil in tests.
func NewServer(config ServerConfig, handlers *Handlers, hub *broadcast.Hub, m *metrics.Metrics, logger *logrus.Logger) *Server {
	s := &Server{
		config:   config,
		router:   mux.NewRouter(),
		handlers: handlers,
		hub:      hub,
		metrics:  m,
		logger:   logger.WithField("component", "api-server"),
	}
	if config.JWTSecret != "" {
		s.jwtSecret = []byte(config.JWTSecret)
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handlers.HealthCheck).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	protected := s.router.PathPrefix("/api/v1").Subrouter()
	protected.Use(s.tenantMiddleware)
	protected.Use(s.requestLogging)

	protected.HandleFunc("/devices", s.handlers.CreateDevice).Methods("POST")
	protected.HandleFunc("/devices", s.handlers.ListDevices).Methods("GET")
	protected.HandleFunc("/devices/{id}", s.handlers.GetDevice).Methods("GET")
	protected.HandleFunc("/devices/{id}", s.handlers.DeleteDevice).Methods("DELETE")
	protected.HandleFunc("/devices/{id}/info", s.handlers.GetDeviceInfo).Methods("GET")
	protected.HandleFunc("/devices/{id}/test", s.handlers.TestDevice).Methods("POST")
	protected.HandleFunc("/devices/{id}/time", s.handlers.SetDeviceTime).Methods("PUT")
	protected.HandleFunc("/devices/{id}/ingest", s.handlers.IngestDevice).Methods("POST")

	protected.HandleFunc("/students", s.handlers.CreateStudent).Methods("POST")
	protected.HandleFunc("/students/{id}", s.handlers.GetStudent).Methods("GET")

	protected.HandleFunc("/enrollments", s.handlers.StartEnrollment).Methods("POST")
	protected.HandleFunc("/enrollments/{uuid}/cancel", s.handlers.CancelEnrollment).Methods("POST")
	protected.HandleFunc("/devices/{id}/students/{studentId}/fingers", s.handlers.ListEnrolledFingers).Methods("GET")
	protected.HandleFunc("/devices/{id}/students/{studentId}/fingers/{finger}", s.handlers.DeleteFingerprint).Methods("DELETE")
	protected.HandleFunc("/devices/{id}/students/{studentId}/sync", s.handlers.SyncStudent).Methods("POST")
	protected.HandleFunc("/devices/{id}/students/{studentId}/presence", s.handlers.CheckStudent).Methods("GET")

	protected.HandleFunc("/attendance/recent", s.handlers.RecentAttendance).Methods("GET")

	protected.HandleFunc("/ws/device-status", s.serveChannel(broadcast.ChannelDeviceStatus)).Methods("GET")
	protected.HandleFunc("/ws/device-info", s.serveChannel(broadcast.ChannelDeviceInfo)).Methods("GET")
	protected.HandleFunc("/ws/enrollment-progress", s.serveChannel(broadcast.ChannelEnrollmentProgress)).Methods("GET")
	protected.HandleFunc("/ws/attendance-scans", s.serveChannel(broadcast.ChannelAttendanceScans)).Methods("GET")
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.config.ListenAddr).Info("Starting API server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("API server failed")
		}
	}()
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}
