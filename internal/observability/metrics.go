// Package observability centralizes Prometheus instrumentation for the
// agent core. Metrics are registered once at startup and shared by the
// step loop, the tool dispatcher and the workflow engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide instruments.
type Metrics struct {
	// StepsTotal counts agent rounds executed, by terminal outcome of
	// the round. Labels: outcome (continued|terminated|error)
	StepsTotal *prometheus.CounterVec

	// ToolExecutions counts tool dispatches.
	// Labels: tool, outcome (success|error|not_found|invalid_args)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// WorkflowMemoHits counts steps skipped on replay because their
	// result was already committed.
	WorkflowMemoHits prometheus.Counter

	// LLMRequests counts model invocations.
	// Labels: provider, status (success|error)
	LLMRequests *prometheus.CounterVec

	// LLMTokens tracks token consumption.
	// Labels: provider, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// SSEClients gauges currently connected progress streams.
	SSEClients prometheus.Gauge

	// CreditDebits counts ledger debits. Labels: status (ok|insufficient)
	CreditDebits *prometheus.CounterVec
}

// NewMetrics registers all instruments with the default registry.
// Call once at application startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all instruments with reg. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funmax_steps_total",
				Help: "Total agent rounds executed by outcome",
			},
			[]string{"outcome"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funmax_tool_executions_total",
				Help: "Total tool dispatches by tool name and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "funmax_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		WorkflowMemoHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "funmax_workflow_memo_hits_total",
				Help: "Workflow steps skipped on replay via memoized results",
			},
		),
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funmax_llm_requests_total",
				Help: "Total model invocations by provider and status",
			},
			[]string{"provider", "status"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funmax_llm_tokens_total",
				Help: "Total tokens consumed by provider and type",
			},
			[]string{"provider", "type"},
		),
		SSEClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "funmax_sse_clients",
				Help: "Currently connected progress streams",
			},
		),
		CreditDebits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funmax_credit_debits_total",
				Help: "Credit ledger debit attempts by status",
			},
			[]string{"status"},
		),
	}
}
