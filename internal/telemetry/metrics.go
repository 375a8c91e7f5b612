// Package telemetry provides logging, metrics and tracing for the check-in
// service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes recorded in checkin_turns_total.
const (
	OutcomeStay      = "stay"
	OutcomeAdvance   = "advance"
	OutcomeCompleted = "completed"
	OutcomeDegraded  = "degraded"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	turns             *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	preloadFailures   *prometheus.CounterVec
	stageAdvances     *prometheus.CounterVec
	sessionsCreated   prometheus.Counter
	sessionsCompleted prometheus.Counter
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_turns_total",
			Help: "Turns processed, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkin_handler_duration_seconds",
			Help:    "Stage handler latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		preloadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_preload_failures_total",
			Help: "Data preloads that failed and were replaced by an empty set.",
		}, []string{"stage"}),
		stageAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_stage_advances_total",
			Help: "Stage transitions.",
		}, []string{"from", "to"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkin_sessions_created_total",
			Help: "Sessions started.",
		}),
		sessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkin_sessions_completed_total",
			Help: "Sessions that reached the terminal stage.",
		}),
	}
	m.registry.MustRegister(
		m.turns,
		m.handlerDuration,
		m.preloadFailures,
		m.stageAdvances,
		m.sessionsCreated,
		m.sessionsCompleted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(stage, outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(stage, outcome).Inc()
}

// ObserveHandler records how long a stage handler took.
func (m *Metrics) ObserveHandler(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordPreloadFailure counts a failed preload.
func (m *Metrics) RecordPreloadFailure(stage string) {
	if m == nil {
		return
	}
	m.preloadFailures.WithLabelValues(stage).Inc()
}

// RecordAdvance counts a stage transition.
func (m *Metrics) RecordAdvance(from, to string) {
	if m == nil {
		return
	}
	m.stageAdvances.WithLabelValues(from, to).Inc()
}

// RecordSessionCreated counts a new session.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordSessionCompleted counts a session reaching the terminal stage.
func (m *Metrics) RecordSessionCompleted() {
	if m == nil {
		return
	}
	m.sessionsCompleted.Inc()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
