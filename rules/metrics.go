package rules

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the engine.
// A nil *Metrics records nothing.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ActionsTotal      *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	ScheduledJobs     prometheus.Gauge
	LoggedExecutions  prometheus.Gauge
}

// NewMetrics creates and registers the engine metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rule_automation",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Total number of trigger events processed by type.",
		}, []string{"type"}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rule_automation",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total number of rule executions by outcome.",
		}, []string{"outcome"}), // outcome: completed, skipped, failed
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rule_automation",
			Subsystem: "engine",
			Name:      "actions_total",
			Help:      "Total number of actions executed by type and result.",
		}, []string{"type", "result"}), // result: success, error
		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rule_automation",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of a single rule execution.",
			Buckets:   prometheus.DefBuckets,
		}),
		ScheduledJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rule_automation",
			Subsystem: "scheduler",
			Name:      "jobs",
			Help:      "Number of live schedule jobs.",
		}),
		LoggedExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rule_automation",
			Subsystem: "log",
			Name:      "executions",
			Help:      "Number of executions held in the execution log.",
		}),
	}
}

func (m *Metrics) observeEvent(t TriggerType) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) observeExecution(e *Execution) {
	if m == nil {
		return
	}
	outcome := string(e.Status)
	if e.Skipped {
		outcome = "skipped"
	}
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	if e.EndTime != nil {
		m.ExecutionDuration.Observe(e.EndTime.Sub(e.StartTime).Seconds())
	}
}

func (m *Metrics) observeAction(t ActionType, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ActionsTotal.WithLabelValues(string(t), result).Inc()
}

func (m *Metrics) setGauges(jobs, logged int) {
	if m == nil {
		return
	}
	m.ScheduledJobs.Set(float64(jobs))
	m.LoggedExecutions.Set(float64(logged))
}
