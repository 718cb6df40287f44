// Package metrics exposes the engine's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the instruments recorded by the engine.
type Metrics struct {
	// Attempts counts model requests per endpoint and outcome (ok, http_<code>, transport, parse).
	Attempts *prometheus.CounterVec

	// RequestDuration is the latency of a whole pipeline submission, retries included.
	RequestDuration *prometheus.HistogramVec

	// ToolCalls counts tool invocations per server and outcome.
	ToolCalls *prometheus.CounterVec

	ToolDuration *prometheus.HistogramVec

	// ServerState is 1 for the server's current state label and 0 otherwise.
	ServerState *prometheus.GaugeVec

	// BreakerState mirrors the per-server circuit breaker (0 closed, 1 half-open, 2 open).
	BreakerState *prometheus.GaugeVec

	// Turns counts finished turns per outcome (completed, failed, stopped, ceiling).
	Turns *prometheus.CounterVec
}

// New registers the instruments on reg.
//
// A nil reg gets a private registry, so callers that do not export metrics
// can still record them.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "yagent_pipeline_attempts_total",
			Help: "Model request attempts by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yagent_pipeline_duration_seconds",
			Help:    "Histogram of model request latencies, retries included.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),

		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "yagent_tool_calls_total",
			Help: "Tool calls by server and outcome.",
		}, []string{"server", "outcome"}),

		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yagent_tool_call_duration_seconds",
			Help:    "Histogram of tool call latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"server"}),

		ServerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "yagent_mcp_server_state",
			Help: "Current state of each MCP server connection.",
		}, []string{"server", "state"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "yagent_mcp_breaker_state",
			Help: "Current state of the per-server circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"server"}),

		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "yagent_turns_total",
			Help: "Finished conversation turns by outcome.",
		}, []string{"outcome"}),
	}
}

// States lists the connection state labels reported by ServerState.
var States = []string{"connecting", "ready", "failed", "closed"}

// SetServerState flips the server's state gauges so only state reads 1.
func (m *Metrics) SetServerState(server, state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ServerState.WithLabelValues(server, s).Set(v)
	}
}

// ForgetServer drops every series of a removed server.
func (m *Metrics) ForgetServer(server string) {
	m.ServerState.DeletePartialMatch(prometheus.Labels{"server": server})
	m.BreakerState.DeleteLabelValues(server)
}
