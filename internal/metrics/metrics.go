// Package metrics holds the Prometheus collectors shared by the session
// controller, request gate and offline queue. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Session metrics
	LoginTotal        *prometheus.CounterVec
	RefreshTotal      *prometheus.CounterVec
	RefreshDuration   prometheus.Histogram
	SessionTransition *prometheus.CounterVec

	// Gate metrics
	GateRequestsTotal *prometheus.CounterVec

	// Queue metrics
	QueuePending       prometheus.Gauge
	QueueDeadLetters   prometheus.Gauge
	QueueActionsTotal  *prometheus.CounterVec
	QueueDrainDuration prometheus.Histogram

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
}

// New creates and registers all metrics on registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoginTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironsession_login_total",
				Help: "Login attempts by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironsession_refresh_total",
				Help: "Network refresh calls by outcome",
			},
			[]string{"outcome"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ironsession_refresh_duration_seconds",
				Help:    "Duration of network refresh calls",
				Buckets: prometheus.DefBuckets,
			},
		),
		SessionTransition: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironsession_session_transitions_total",
				Help: "Session status transitions by target status",
			},
			[]string{"status"},
		),
		GateRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironsession_gate_requests_total",
				Help: "Requests executed through the gate by outcome",
			},
			[]string{"outcome"},
		),
		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ironsession_queue_pending",
				Help: "Actions waiting in the offline queue",
			},
		),
		QueueDeadLetters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ironsession_queue_dead_letters",
				Help: "Actions in the dead-letter list",
			},
		),
		QueueActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironsession_queue_actions_total",
				Help: "Queued action outcomes",
			},
			[]string{"result"},
		),
		QueueDrainDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ironsession_queue_drain_duration_seconds",
				Help:    "Duration of queue drain passes",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ironsession_cache_hits_total",
				Help: "Offline cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ironsession_cache_misses_total",
				Help: "Offline cache misses",
			},
		),
	}

	registry.MustRegister(
		m.LoginTotal,
		m.RefreshTotal,
		m.RefreshDuration,
		m.SessionTransition,
		m.GateRequestsTotal,
		m.QueuePending,
		m.QueueDeadLetters,
		m.QueueActionsTotal,
		m.QueueDrainDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
	)
	return m
}

func (m *Metrics) Login(method, outcome string) {
	if m == nil {
		return
	}
	m.LoginTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) Refresh(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
	m.RefreshDuration.Observe(d.Seconds())
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.SessionTransition.WithLabelValues(status).Inc()
}

func (m *Metrics) GateRequest(outcome string) {
	if m == nil {
		return
	}
	m.GateRequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueueSizes(pending, deadLetters int) {
	if m == nil {
		return
	}
	m.QueuePending.Set(float64(pending))
	m.QueueDeadLetters.Set(float64(deadLetters))
}

func (m *Metrics) QueueAction(result string) {
	if m == nil {
		return
	}
	m.QueueActionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Drain(d time.Duration) {
	if m == nil {
		return
	}
	m.QueueDrainDuration.Observe(d.Seconds())
}

func (m *Metrics) Cache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
