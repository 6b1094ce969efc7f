package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// own registry so several servers can run in one process (tests).
// All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	sessionsTotal *prometheus.CounterVec
	disconnects   prometheus.Counter
	authTotal     *prometheus.CounterVec
	commandsTotal *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	sendFailures  prometheus.Counter
	requestsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warroom_sessions_total",
			Help: "Connections accepted, by transport.",
		}, []string{"transport"}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warroom_disconnects_total",
			Help: "Sessions closed.",
		}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warroom_auth_total",
			Help: "Authentication attempts, by method and result.",
		}, []string{"method", "result"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warroom_commands_total",
			Help: "Protocol lines processed, by verb and result.",
		}, []string{"verb", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warroom_deliveries_total",
			Help: "Lines delivered to sessions, by routing kind.",
		}, []string{"kind"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warroom_send_failures_total",
			Help: "Writes that failed and closed the receiving session.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warroom_launch_requests_total",
			Help: "Launch workflow events, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.disconnects,
		m.authTotal,
		m.commandsTotal,
		m.deliveries,
		m.sendFailures,
		m.requestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// droppedCounter is implemented by audit sinks that can drop events.
type droppedCounter interface {
	Dropped() int64
}

// observeState registers gauges that read live server state on scrape.
func (m *Metrics) observeState(reg *Registry, audit AuditSink) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "warroom_active_sessions",
			Help: "Connected sessions, authenticated or not.",
		}, func() float64 {
			total, _ := reg.SessionCounts()
			return float64(total)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "warroom_authenticated_sessions",
			Help: "Authenticated sessions.",
		}, func() float64 {
			_, authed := reg.SessionCounts()
			return float64(authed)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "warroom_rooms",
			Help: "Rooms that currently exist.",
		}, func() float64 { return float64(reg.RoomCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "warroom_pending_requests",
			Help: "Launch requests awaiting approval.",
		}, func() float64 {
			pending, _, _ := reg.RequestCounts()
			return float64(pending)
		}),
	)
	if dc, ok := audit.(droppedCounter); ok {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "warroom_audit_dropped_total",
			Help: "Audit events dropped because the queue was full.",
		}, func() float64 { return float64(dc.Dropped()) }))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionCreated(transport string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

func (m *Metrics) RecordAuth(method string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.authTotal.WithLabelValues(method, result).Inc()
}

func (m *Metrics) RecordCommand(verb string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commandsTotal.WithLabelValues(verb, result).Inc()
}

func (m *Metrics) RecordDelivery(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status           string `json:"status"`
	Sessions         int    `json:"sessions"`
	Authenticated    int    `json:"authenticated"`
	Rooms            int    `json:"rooms"`
	PendingRequests  int    `json:"pending_requests"`
	RequestsAccepted int64  `json:"requests_accepted"`
	RequestsRejected int64  `json:"requests_rejected"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// Health returns a snapshot of server state.
func (s *Server) Health() HealthStatus {
	total, authed := s.registry.SessionCounts()
	pending, accepted, rejected := s.registry.RequestCounts()
	return HealthStatus{
		Status:           "ok",
		Sessions:         total,
		Authenticated:    authed,
		Rooms:            s.registry.RoomCount(),
		PendingRequests:  pending,
		RequestsAccepted: accepted,
		RequestsRejected: rejected,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	}
}

// HealthHandler serves /health.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Health()); err != nil {
		logger.Warn().Err(err).Msg("health encode failed")
	}
}
