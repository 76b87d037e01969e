package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Budget: сколько израсходовано и сколько раз упёрлись в лимит
	BudgetConsumed  *prometheus.CounterVec
	BudgetRejected  *prometheus.CounterVec
	BudgetSoftLimit *prometheus.CounterVec

	// Contexts: переходы состояний и сборка мусора
	ContextTransitions *prometheus.CounterVec
	ContextsCollected  prometheus.Counter

	// Capabilities: вызовы инструментов и их latency
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Agents: исполнения и их длительность
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		BudgetConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_budget_consumed_total",
			Help: "Total amount of resources consumed from budgets.",
		}, []string{"resource"}),

		BudgetRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_budget_rejected_total",
			Help: "Consume attempts rejected by a hard limit.",
		}, []string{"resource"}),

		BudgetSoftLimit: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_budget_soft_limit_total",
			Help: "Consume operations that crossed a soft limit.",
		}, []string{"resource"}),

		ContextTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_context_transitions_total",
			Help: "Context state transitions by target state.",
		}, []string{"state"}),

		ContextsCollected: f.NewCounter(prometheus.CounterOpts{
			Name: "agentrt_contexts_collected_total",
			Help: "Finished contexts removed by garbage collection.",
		}),

		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_tool_calls_total",
			Help: "Capability invocations by tool, mode and status.",
		}, []string{"tool", "mode", "status"}),

		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentrt_tool_duration_seconds",
			Help:    "Histogram of capability invocation latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"tool"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentrt_circuit_breaker_state",
			Help: "Current state of the tool circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"tool"}),

		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_executions_total",
			Help: "Agent executions by agent and final state.",
		}, []string{"agent", "state"}),

		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentrt_execution_duration_seconds",
			Help:    "Histogram of agent execution latencies.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentrt_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
