// Package metrics exposes the platform's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the platform updates. One instance is
// created at startup and threaded to the components that record into it.
type Metrics struct {
	LoopRounds        *prometheus.CounterVec
	IngestResults     *prometheus.CounterVec
	DeviceStatus      *prometheus.GaugeVec
	WSSubscribers     *prometheus.GaugeVec
	EnrollmentResults *prometheus.CounterVec
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoopRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "fleet_loop_rounds_total",
			Help:      "Completed rounds per fleet loop.",
		}, []string{"loop"}),
		IngestResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "ingest_records_total",
			Help:      "Ingestion pipeline record outcomes.",
		}, []string{"result"}), // inserted, skipped, duplicate
		DeviceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "attendance",
			Name:      "device_status",
			Help:      "Device status as observed by the health probe (1 = current state).",
		}, []string{"device_id", "status"}),
		WSSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "attendance",
			Name:      "websocket_subscribers",
			Help:      "Live WebSocket subscribers per channel.",
		}, []string{"channel"}),
		EnrollmentResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "enrollment_sessions_total",
			Help:      "Enrollment sessions by terminal status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.LoopRounds, m.IngestResults, m.DeviceStatus, m.WSSubscribers, m.EnrollmentResults)
	return m
}
