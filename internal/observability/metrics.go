// Package observability bundles the Prometheus collectors shared by the
// runner, resolver, and transport layers.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the daemon. The nil receiver is
// safe on every method so call sites never have to guard.
type Metrics struct {
	registry *prometheus.Registry

	Turns            *prometheus.CounterVec
	Iterations       prometheus.Counter
	Compressions     prometheus.Counter
	ToolExecutions   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	ProviderUsage    *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec
	ActiveStreams    *prometheus.GaugeVec
	TransportErrs    *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry with all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	turns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datasage_runner_turns_total",
		Help: "Completed agent turns by terminal status",
	}, []string{"status"})

	iterations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datasage_runner_iterations_total",
		Help: "Model-call iterations across all turns",
	})

	compressions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datasage_runner_compressions_total",
		Help: "Automatic history compression events",
	})

	toolExecs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datasage_tool_executions_total",
		Help: "Tool dispatches by tool name and outcome",
	}, []string{"tool", "status"})

	toolDurs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datasage_tool_duration_seconds",
		Help:    "Tool execution duration in seconds",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
	}, []string{"tool"})

	providerUsage := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datasage_provider_usage_total",
		Help: "Successful provider selections by provider and purpose",
	}, []string{"provider", "purpose"})

	providerFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datasage_provider_failures_total",
		Help: "Provider attempt failures by provider and purpose",
	}, []string{"provider", "purpose"})

	active := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datasage_transport_active_streams",
		Help: "Active event streams by transport",
	}, []string{"transport"})

	trErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datasage_transport_errors_total",
		Help: "Transport-level errors by transport and reason",
	}, []string{"transport", "reason"})

	reg.MustRegister(turns, iterations, compressions, toolExecs, toolDurs,
		providerUsage, providerFailures, active, trErrors)

	return &Metrics{
		registry:         reg,
		Turns:            turns,
		Iterations:       iterations,
		Compressions:     compressions,
		ToolExecutions:   toolExecs,
		ToolDuration:     toolDurs,
		ProviderUsage:    providerUsage,
		ProviderFailures: providerFailures,
		ActiveStreams:    active,
		TransportErrs:    trErrors,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTurn records a completed turn.
func (m *Metrics) RecordTurn(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.Turns.WithLabelValues(status).Inc()
}

// RecordIteration records one model-call iteration.
func (m *Metrics) RecordIteration() {
	if m == nil {
		return
	}
	m.Iterations.Inc()
}

// RecordCompression records an automatic history compression.
func (m *Metrics) RecordCompression() {
	if m == nil {
		return
	}
	m.Compressions.Inc()
}

// RecordToolExecution records one tool dispatch.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	if tool == "" {
		tool = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordProviderUsage records a successful provider selection.
func (m *Metrics) RecordProviderUsage(provider, purpose string) {
	if m == nil {
		return
	}
	if purpose == "" {
		purpose = "chat"
	}
	m.ProviderUsage.WithLabelValues(provider, purpose).Inc()
}

// RecordProviderFailure records a failed provider attempt.
func (m *Metrics) RecordProviderFailure(provider, purpose string) {
	if m == nil {
		return
	}
	if purpose == "" {
		purpose = "chat"
	}
	m.ProviderFailures.WithLabelValues(provider, purpose).Inc()
}

// IncActiveStreams increments the active stream gauge.
func (m *Metrics) IncActiveStreams(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

// DecActiveStreams decrements the active stream gauge.
func (m *Metrics) DecActiveStreams(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Dec()
}

// RecordTransportError records a transport-level error.
func (m *Metrics) RecordTransportError(transport, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.TransportErrs.WithLabelValues(transport, reason).Inc()
}
