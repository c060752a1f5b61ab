// Package observability carries the Prometheus registries and the alert
// fan-out shared by the HTTP gateway, the saga, and the background workers.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MoneyMetrics tracks the money core's health signals.
type MoneyMetrics struct {
	invariantViolations *prometheus.CounterVec
	webhookFailures     *prometheus.CounterVec
	sagaRuns            *prometheus.CounterVec
	sagaFailures        *prometheus.CounterVec
	dlqDepth            *prometheus.GaugeVec
	stuckEntities       *prometheus.GaugeVec
	workerLatency       *prometheus.HistogramVec
	outboxAge           *prometheus.GaugeVec
	outboxDepth         *prometheus.GaugeVec
}

var (
	moneyOnce     sync.Once
	moneyRegistry *MoneyMetrics
)

// Money returns the lazily-initialised money core registry.
func Money() *MoneyMetrics {
	moneyOnce.Do(func() {
		moneyRegistry = &MoneyMetrics{
			invariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hustlexp",
				Subsystem: "money",
				Name:      "invariant_violations_total",
				Help:      "Count of constitution or guard violations segmented by code.",
			}, []string{"code"}),
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hustlexp",
				Subsystem: "webhooks",
				Name:      "failures_total",
				Help:      "Count of inbound webhook failures segmented by ordering gate guard.",
			}, []string{"guard"}),
			sagaRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hustlexp",
				Subsystem: "saga",
				Name:      "runs_total",
				Help:      "Count of saga executions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			sagaFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hustlexp",
				Subsystem: "saga",
				Name:      "failures_total",
				Help:      "Count of saga failures segmented by action and error kind.",
			}, []string{"action", "kind"}),
			dlqDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "hustlexp",
				Subsystem: "dlq",
				Name:      "depth",
				Help:      "Unresolved dead letters per queue.",
			}, []string{"queue"}),
			stuckEntities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "hustlexp",
				Subsystem: "recovery",
				Name:      "stuck_entities",
				Help:      "Entities currently past the stuck threshold segmented by type.",
			}, []string{"type"}),
			workerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "hustlexp",
				Subsystem: "outbox",
				Name:      "delivery_duration_seconds",
				Help:      "Latency distribution for outbox event delivery.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"queue"}),
			outboxAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "hustlexp",
				Subsystem: "outbox",
				Name:      "oldest_unpublished_age_seconds",
				Help:      "Age of the oldest unpublished outbox event per queue.",
			}, []string{"queue"}),
			outboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "hustlexp",
				Subsystem: "outbox",
				Name:      "depth",
				Help:      "Unpublished outbox events per queue.",
			}, []string{"queue"}),
		}
		prometheus.MustRegister(
			moneyRegistry.invariantViolations,
			moneyRegistry.webhookFailures,
			moneyRegistry.sagaRuns,
			moneyRegistry.sagaFailures,
			moneyRegistry.dlqDepth,
			moneyRegistry.stuckEntities,
			moneyRegistry.workerLatency,
			moneyRegistry.outboxAge,
			moneyRegistry.outboxDepth,
		)
	})
	return moneyRegistry
}

// RecordInvariantViolation increments the violation counter for a code.
func (m *MoneyMetrics) RecordInvariantViolation(code string) {
	if m == nil {
		return
	}
	if code = strings.TrimSpace(code); code == "" {
		code = "UNKNOWN"
	}
	m.invariantViolations.WithLabelValues(code).Inc()
}

// RecordWebhookFailure increments the failure counter for a gate guard.
func (m *MoneyMetrics) RecordWebhookFailure(guard string) {
	if m == nil {
		return
	}
	m.webhookFailures.WithLabelValues(guard).Inc()
}

// RecordSagaRun records one saga execution outcome.
func (m *MoneyMetrics) RecordSagaRun(action, outcome string) {
	if m == nil {
		return
	}
	m.sagaRuns.WithLabelValues(action, outcome).Inc()
}

// RecordSagaFailure records one saga failure by taxonomy kind.
func (m *MoneyMetrics) RecordSagaFailure(action, kind string) {
	if m == nil {
		return
	}
	m.sagaFailures.WithLabelValues(action, kind).Inc()
}

// SetDLQDepth publishes the unresolved dead letter count for a queue.
func (m *MoneyMetrics) SetDLQDepth(queue string, depth int64) {
	if m == nil {
		return
	}
	m.dlqDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetStuckEntities publishes the stuck entity count for a type.
func (m *MoneyMetrics) SetStuckEntities(entityType string, count int64) {
	if m == nil {
		return
	}
	m.stuckEntities.WithLabelValues(entityType).Set(float64(count))
}

// ObserveDelivery records the latency of one outbox delivery.
func (m *MoneyMetrics) ObserveDelivery(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.workerLatency.WithLabelValues(queue).Observe(d.Seconds())
}

// SetOutboxAge publishes the oldest unpublished event age for a queue.
func (m *MoneyMetrics) SetOutboxAge(queue string, age time.Duration) {
	if m == nil {
		return
	}
	m.outboxAge.WithLabelValues(queue).Set(age.Seconds())
}

// SetOutboxDepth publishes the unpublished event count for a queue.
func (m *MoneyMetrics) SetOutboxDepth(queue string, depth int64) {
	if m == nil {
		return
	}
	m.outboxDepth.WithLabelValues(queue).Set(float64(depth))
}
