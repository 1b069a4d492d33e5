package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dshills/sagaflow/flow/breaker"
)

// Metrics exports engine health to Prometheus. All series are
// namespaced "sagaflow_".
type Metrics struct {
	workflowsStarted   *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec
	workflowsFailed    *prometheus.CounterVec
	activeWorkflows    prometheus.Gauge

	stepLatency *prometheus.HistogramVec
	stepRetries *prometheus.CounterVec

	breakerState *prometheus.GaugeVec
	dlqDepth     *prometheus.GaugeVec
}

// NewMetrics registers the engine's metric series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		workflowsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sagaflow",
			Name:      "workflows_started_total",
			Help:      "Workflows started, by definition key.",
		}, []string{"definition_key"}),
		workflowsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sagaflow",
			Name:      "workflows_completed_total",
			Help:      "Workflows that ran to completion, by definition key.",
		}, []string{"definition_key"}),
		workflowsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sagaflow",
			Name:      "workflows_failed_total",
			Help:      "Workflows that ended failed, by definition key.",
		}, []string{"definition_key"}),
		activeWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sagaflow",
			Name:      "active_workflows",
			Help:      "Live workflow actors.",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sagaflow",
			Name:      "step_latency_seconds",
			Help:      "Step execution duration, by step and outcome.",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 60},
		}, []string{"step", "status"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sagaflow",
			Name:      "step_retries_total",
			Help:      "Retry attempts, by step.",
		}, []string{"step"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sagaflow",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"breaker"}),
		dlqDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sagaflow",
			Name:      "dlq_entries",
			Help:      "Dead-letter entries, by status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) workflowStarted(defKey string) {
	if m == nil {
		return
	}
	m.workflowsStarted.WithLabelValues(defKey).Inc()
	m.activeWorkflows.Inc()
}

func (m *Metrics) workflowFinished(defKey string, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.workflowsFailed.WithLabelValues(defKey).Inc()
	} else {
		m.workflowsCompleted.WithLabelValues(defKey).Inc()
	}
	m.activeWorkflows.Dec()
}

func (m *Metrics) observeStep(stepName string, took time.Duration, failed bool) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.stepLatency.WithLabelValues(stepName, status).Observe(took.Seconds())
}

func (m *Metrics) retryObserved(stepName string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(stepName).Inc()
}

// ObserveBreaker records a breaker's state; wired to the registry's
// OnStateChange callback.
func (m *Metrics) ObserveBreaker(name string, s breaker.State) {
	if m == nil {
		return
	}
	var v float64
	switch s {
	case breaker.Open:
		v = 1
	case breaker.HalfOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}

// ObserveDLQDepth records the queue depth for one status.
func (m *Metrics) ObserveDLQDepth(status string, n int) {
	if m == nil {
		return
	}
	m.dlqDepth.WithLabelValues(status).Set(float64(n))
}
