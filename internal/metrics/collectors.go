package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verdikt/verdikt/pkg/schema"
)

// Collector holds the live operational metrics. Snapshot aggregation is the
// historical view; these counters answer "what is happening right now".
type Collector struct {
	registry *prometheus.Registry

	executions *prometheus.CounterVec
	decisions  *prometheus.CounterVec
	riskScores *prometheus.HistogramVec
	stepTime   *prometheus.HistogramVec
	parked     prometheus.Gauge
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdikt_executions_total",
			Help: "Terminal executions by deliverable type and status.",
		},
		[]string{"deliverable_type", "status"},
	)
	c.decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdikt_approval_decisions_total",
			Help: "Human approval decisions by outcome.",
		},
		[]string{"decision"},
	)
	c.riskScores = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verdikt_execution_risk_score",
			Help:    "Final cumulative risk score per execution.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"deliverable_type"},
	)
	c.stepTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verdikt_step_duration_seconds",
			Help:    "Step execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"deliverable_type", "step_name", "status"},
	)
	c.parked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "verdikt_parked_executions",
		Help: "Executions currently awaiting human approval.",
	})

	c.registry.MustRegister(c.executions, c.decisions, c.riskScores, c.stepTime, c.parked)
	return c
}

// ObserveExecution records a finished (terminal or parked) execution.
func (c *Collector) ObserveExecution(exec *schema.WorkflowExecution) {
	c.executions.WithLabelValues(exec.DeliverableType, string(exec.Status)).Inc()
	c.riskScores.WithLabelValues(exec.DeliverableType).Observe(exec.CumulativeRisk)
	for _, out := range exec.StepOutputs {
		c.stepTime.WithLabelValues(exec.DeliverableType, out.StepName, string(out.Status)).
			Observe(float64(out.DurationMs) / 1000)
	}
}

// Park and Resume track the awaiting-approval gauge. The service calls them
// around the approval lifecycle.
func (c *Collector) Park()   { c.parked.Inc() }
func (c *Collector) Resume() { c.parked.Dec() }

// ObserveDecision records a human approval decision.
func (c *Collector) ObserveDecision(decision schema.ApprovalDecision) {
	c.decisions.WithLabelValues(string(decision)).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
