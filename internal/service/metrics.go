package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"querydesk/internal/domain"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	executions  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	openHandles prometheus.Gauge
	pages       *prometheus.CounterVec
	history     *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "querydesk",
			Name:      "executions_total",
			Help:      "Executions that reached a terminal state.",
		}, []string{"state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "querydesk",
			Name:      "execution_duration_seconds",
			Help:      "Time from dispatch to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"state"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "querydesk",
			Name:      "executions_in_flight",
			Help:      "Executions currently queued or running.",
		}),
		openHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "querydesk",
			Name:      "open_connections",
			Help:      "Live connection handles.",
		}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "querydesk",
			Name:      "result_pages_total",
			Help:      "Result page requests by outcome (hit, produced, replayed, expired).",
		}, []string{"outcome"}),
		history: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "querydesk",
			Name:      "history_records_total",
			Help:      "History record calls by outcome (written, duplicate, dropped, failed).",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.executions, m.duration, m.inFlight, m.openHandles, m.pages, m.history,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) executionQueued() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) executionFinished(state domain.ExecutionState, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.executions.WithLabelValues(string(state)).Inc()
	m.duration.WithLabelValues(string(state)).Observe(d.Seconds())
}

func (m *Metrics) handleOpened() {
	if m != nil {
		m.openHandles.Inc()
	}
}

func (m *Metrics) handleClosed() {
	if m != nil {
		m.openHandles.Dec()
	}
}

func (m *Metrics) page(outcome string) {
	if m != nil {
		m.pages.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) historyRecord(outcome string, n int) {
	if m != nil && n > 0 {
		m.history.WithLabelValues(outcome).Add(float64(n))
	}
}
