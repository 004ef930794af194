// Package metrics exposes the Prometheus gauges/counters backing the
// /status and /metrics surface of the HTTP/SSE API (spec.md §6). Grounded on
// the teacher's internal/canvas/metrics.go and internal/observability/metrics.go
// promauto.NewX()-per-field shape, trimmed to the handful of series a
// single-user runtime actually needs: turn throughput, tool-call outcomes,
// active sessions, and HTTP request latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a process-wide collection of Prometheus series. Registered
// once at startup and attached to the Runtime and httpapi.Server through
// their SetMetrics methods.
type Metrics struct {
	TurnsTotal         *prometheus.CounterVec
	ToolCallsTotal     *prometheus.CounterVec
	ToolCallDuration   *prometheus.HistogramVec
	SessionsActive     prometheus.Gauge
	ToolsRegistered    prometheus.Gauge
	HTTPRequestTotal   *prometheus.CounterVec
	HTTPRequestLatency *prometheus.HistogramVec
}

// New registers every series against the caller's reg, so callers can mount
// that registry's handler without reaching for the global default (tests
// construct their own Metrics and never collide).
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pith_turns_total",
			Help: "Turns completed, labeled by terminal status (ok|error|timeout|tool_loop_cap).",
		}, []string{"status"}),
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pith_tool_calls_total",
			Help: "Tool invocations, labeled by tool name and outcome (ok|error).",
		}, []string{"tool", "outcome"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pith_tool_call_duration_seconds",
			Help:    "Tool invocation latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pith_sessions_active",
			Help: "Sessions currently holding the per-session turn lock.",
		}),
		ToolsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pith_tools_registered",
			Help: "Entries currently present in the Tool Registry.",
		}),
		HTTPRequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pith_http_requests_total",
			Help: "HTTP requests served, labeled by route and status code.",
		}, []string{"route", "status"}),
		HTTPRequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pith_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"route"}),
	}
}

// RecordTurn increments the turn counter for the given terminal status.
func (m *Metrics) RecordTurn(status string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(status).Inc()
}

// RecordToolCall increments the tool-call counter and observes its duration.
func (m *Metrics) RecordToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// SetToolsRegistered publishes the current Tool Registry size.
func (m *Metrics) SetToolsRegistered(n int) {
	if m == nil {
		return
	}
	m.ToolsRegistered.Set(float64(n))
}

// SessionStarted/SessionEnded track the active-session gauge across a turn.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// ObserveHTTP records one request's outcome and latency.
func (m *Metrics) ObserveHTTP(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestLatency.WithLabelValues(route).Observe(d.Seconds())
}
