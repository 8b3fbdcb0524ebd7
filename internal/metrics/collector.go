// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's prometheus collectors. It is created
// against an explicit registerer so each engine instance (and each
// test) gets isolated metrics instead of fighting over the global
// default registry.
type Collector struct {
	workflowRunsTotal   *prometheus.CounterVec
	nodeExecutionsTotal *prometheus.CounterVec
	nodeDuration        *prometheus.HistogramVec

	invokerRequestsTotal *prometheus.CounterVec
	invokerRetriesTotal  *prometheus.CounterVec
	invokerLatency       *prometheus.HistogramVec
	breakerState         *prometheus.GaugeVec

	toolExecutionsTotal *prometheus.CounterVec
}

// NewCollector creates a collector registered against reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		workflowRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_total",
				Help:      "Total number of workflow runs by final status",
			},
			[]string{"status"},
		),
		nodeExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_executions_total",
				Help:      "Total number of node executions by kind and status",
			},
			[]string{"kind", "status"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_execution_duration_seconds",
				Help:      "Node execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		invokerRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoker_requests_total",
				Help:      "Total number of provider invocations by outcome",
			},
			[]string{"provider", "outcome"},
		),
		invokerRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoker_retries_total",
				Help:      "Total number of retry attempts consumed",
			},
			[]string{"provider"},
		),
		invokerLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invoker_request_duration_seconds",
				Help:      "Provider invocation duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),
		toolExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_executions_total",
				Help:      "Total number of tool executions by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
	}
}

// RecordWorkflowRun records a finished workflow run.
func (c *Collector) RecordWorkflowRun(status string) {
	c.workflowRunsTotal.WithLabelValues(status).Inc()
}

// RecordNodeExecution records one node execution.
func (c *Collector) RecordNodeExecution(kind, status string, duration time.Duration) {
	c.nodeExecutionsTotal.WithLabelValues(kind, status).Inc()
	c.nodeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordInvokerRequest records one provider invocation.
func (c *Collector) RecordInvokerRequest(provider, outcome string, duration time.Duration, retries int) {
	c.invokerRequestsTotal.WithLabelValues(provider, outcome).Inc()
	c.invokerLatency.WithLabelValues(provider).Observe(duration.Seconds())
	if retries > 0 {
		c.invokerRetriesTotal.WithLabelValues(provider).Add(float64(retries))
	}
}

// SetBreakerState records the current breaker state for a provider.
func (c *Collector) SetBreakerState(provider string, state int) {
	c.breakerState.WithLabelValues(provider).Set(float64(state))
}

// RecordToolExecution records one tool execution.
func (c *Collector) RecordToolExecution(tool, outcome string) {
	c.toolExecutionsTotal.WithLabelValues(tool, outcome).Inc()
}
