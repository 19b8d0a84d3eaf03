// Package monitoring exposes the engine's Prometheus metrics. Everything is
// registered through promauto on the default registry and served on /metrics
// by the ingress server.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "broker",
		Name:      "messages_handled_total",
		Help:      "Messages consumed, labeled by queue and decision (ack, retry, dead).",
	}, []string{"queue", "decision"})

	handleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engine",
		Subsystem: "broker",
		Name:      "handle_duration_seconds",
		Help:      "Handler wall time per delivery.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"queue"})

	outboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Subsystem: "outbox",
		Name:      "backlog",
		Help:      "Unpublished outbox rows at the last dispatcher tick.",
	})

	outboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Outbox rows published, labeled by outcome (sent, retried, exhausted).",
	}, []string{"outcome"})

	paymentsByState = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "payments",
		Name:      "transitions_total",
		Help:      "Payment state transitions, labeled by target state.",
	}, []string{"state"})

	sagaSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "reversal",
		Name:      "saga_steps_total",
		Help:      "Reversal saga step executions, labeled by step and outcome.",
	}, []string{"step", "outcome"})

	sagaDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "engine",
		Subsystem: "reversal",
		Name:      "saga_duration_seconds",
		Help:      "End-to-end reversal saga duration.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	exceptionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "exceptions",
		Name:      "opened_total",
		Help:      "Exception cases opened, labeled by category and severity.",
	}, []string{"category", "severity"})

	webhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "ingress",
		Name:      "webhooks_total",
		Help:      "Webhook requests, labeled by source and result (accepted, rejected, replayed).",
	}, []string{"source", "result"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "engine",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"name"})
)

// MessageHandled records one consumed delivery.
func MessageHandled(queue, decision string, took time.Duration) {
	messagesHandled.WithLabelValues(queue, decision).Inc()
	handleDuration.WithLabelValues(queue).Observe(took.Seconds())
}

// OutboxBacklog records the pending row count seen by the dispatcher.
func OutboxBacklog(n int) {
	outboxBacklog.Set(float64(n))
}

// OutboxPublished records one dispatch outcome.
func OutboxPublished(outcome string) {
	outboxPublished.WithLabelValues(outcome).Inc()
}

// PaymentTransition records a payment entering a state.
func PaymentTransition(state string) {
	paymentsByState.WithLabelValues(state).Inc()
}

// SagaStep records one reversal saga step outcome.
func SagaStep(step, outcome string) {
	sagaSteps.WithLabelValues(step, outcome).Inc()
}

// SagaCompleted records a finished reversal saga.
func SagaCompleted(took time.Duration) {
	sagaDuration.Observe(took.Seconds())
}

// ExceptionOpened records a newly opened exception case.
func ExceptionOpened(category, severity string) {
	exceptionsOpened.WithLabelValues(category, severity).Inc()
}

// WebhookReceived records one ingress webhook request.
func WebhookReceived(source, result string) {
	webhooksReceived.WithLabelValues(source, result).Inc()
}

// BreakerState records a circuit breaker state change.
func BreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}
