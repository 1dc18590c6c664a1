package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/citycare/controlcenter/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each server owns its
// own registry so several servers can run in one process (tests do).
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	framesReceived *prometheus.CounterVec
	framesSent     prometheus.Counter
	sendErrors     prometheus.Counter
	loginsRejected *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "citycare_sessions_active",
			Help: "Number of live sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citycare_sessions_total",
			Help: "Sessions accepted since start",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citycare_frames_received_total",
			Help: "Frames received from clients, by kind",
		}, []string{"kind"}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citycare_frames_sent_total",
			Help: "Frames written to clients",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citycare_send_errors_total",
			Help: "Frame writes that failed",
		}),
		loginsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citycare_logins_rejected_total",
			Help: "Rejected LOGIN frames, by reason",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.framesReceived,
		m.framesSent,
		m.sendErrors,
		m.loginsRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for inspection
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordFrameReceived(kind protocol.Kind) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *Metrics) RecordSendError() {
	if m == nil {
		return
	}
	m.sendErrors.Inc()
}

// RecordLoginRejected counts a rejected login. Reasons: "taken", "invalid",
// "relogin".
func (m *Metrics) RecordLoginRejected(reason string) {
	if m == nil {
		return
	}
	m.loginsRejected.WithLabelValues(reason).Inc()
}

type healthResponse struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HealthHandler reports liveness and the current session count
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.IsRunning() {
		status = "stopping"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:        status,
		Sessions:      s.registry.Count(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}
