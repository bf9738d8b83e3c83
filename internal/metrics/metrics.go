// Package metrics exposes Prometheus instrumentation for the session runtime.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime counters and histograms. Register once at startup;
// a nil *Metrics is safe to call everywhere (no-op), so tests and embedders
// can opt out.
type Metrics struct {
	// TurnCounter counts executed turns by terminal state.
	// Labels: outcome (completed|error|aborted|overflow_retry)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	TurnDuration prometheus.Histogram

	// StepCounter counts model steps by provider and model.
	StepCounter *prometheus.CounterVec

	// TokensUsed tracks per-step token deltas.
	// Labels: model, type (input|output|cache_read)
	TokensUsed *prometheus.CounterVec

	// ToolCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolCounter *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	ToolDuration *prometheus.HistogramVec

	// CompactionCounter counts compactions by kind and outcome.
	// Labels: kind (active|passive), outcome (success|noop|error)
	CompactionCounter *prometheus.CounterVec
}

// New creates and registers all runtime metrics with the default registry.
func New() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turns_total",
				Help: "Turns executed by terminal state",
			},
			[]string{"outcome"},
		),
		TurnDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_turn_duration_seconds",
				Help:    "End-to-end turn latency",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		StepCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_steps_total",
				Help: "Model steps by provider and model",
			},
			[]string{"provider", "model"},
		),
		TokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token usage deltas by model and type",
			},
			[]string{"model", "type"},
		),
		ToolCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_invocations_total",
				Help: "Tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_duration_seconds",
				Help:    "Tool execution time",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		CompactionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_compactions_total",
				Help: "Compactions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
	}
}

// RecordTurn records a turn's terminal state and duration.
func (m *Metrics) RecordTurn(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(duration.Seconds())
}

// RecordStep records one model step's usage.
func (m *Metrics) RecordStep(providerName, model string, input, output, cacheRead int64) {
	if m == nil {
		return
	}
	m.StepCounter.WithLabelValues(providerName, model).Inc()
	m.TokensUsed.WithLabelValues(model, "input").Add(float64(input))
	m.TokensUsed.WithLabelValues(model, "output").Add(float64(output))
	m.TokensUsed.WithLabelValues(model, "cache_read").Add(float64(cacheRead))
}

// RecordTool records one tool invocation.
func (m *Metrics) RecordTool(tool string, isError bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolCounter.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordCompaction records a compaction attempt.
func (m *Metrics) RecordCompaction(kind, outcome string) {
	if m == nil {
		return
	}
	m.CompactionCounter.WithLabelValues(kind, outcome).Inc()
}
