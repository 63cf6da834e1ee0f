package services

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation outcomes recorded on subscription_operations_total
const (
	OutcomeActivated   = "activated"
	OutcomeReplayed    = "replayed"
	OutcomeReactivated = "reactivated"
	OutcomeRecreated   = "recreated"
	OutcomeRolledBack  = "rolled_back"
)

// Metrics holds the orchestration counters on a dedicated registry
type Metrics struct {
	registry *prometheus.Registry

	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Compensations     *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
}

// NewMetrics creates and registers the subscription metrics
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscription_operations_total",
			Help: "Subscription operations by final state",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "subscription_operation_duration_seconds",
			Help:    "Duration of subscription operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscription_compensations_total",
			Help: "Rollback steps executed after a failed persist",
		}, []string{"step", "result"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscription_webhook_events_total",
			Help: "Processor webhook events by type and result",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(m.Operations, m.OperationDuration, m.Compensations, m.WebhookEvents)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeOperation(operation, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeCompensation(step string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.Compensations.WithLabelValues(step, result).Inc()
}

func (m *Metrics) observeWebhook(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, result).Inc()
}
