// Package broker owns the AMQP topology and the publish/consume framework
// the pipeline runs on: topic exchanges, durable queues with paired retry
// lanes, dead-letter exchanges, publisher confirms, and per-consumer
// channels with prefetch.
package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchanges (topic, durable).
const (
	ExchangePayments      = "payments.topic"
	ExchangeSaga          = "payments.saga"
	ExchangeNotifications = "notifications.topic"
	ExchangeCRMEmail      = "crm.email.topic"
	ExchangeEvents        = "events.topic"

	ExchangePaymentsDLX = "payments.dlx"
	ExchangeCRMEmailDLX = "crm.email.dlx"
)

// Queues (durable).
const (
	QueueValidation     = "payments.validation"
	QueueClassification = "payments.classification"
	QueueSagaStart      = "payments.saga.start"
	QueueDistribution   = "payments.distribution"
	QueueSettlement     = "payments.settlement"
	QueueReversal       = "payments.reversal"
	QueueReturned       = "payments.returned"
	QueueClawback       = "investor.clawback"
	QueueCRMEmail       = "q.crm.email.v1"

	QueuePaymentsDLQ = "payments.dlq"
	QueueCRMEmailDLQ = "q.crm.email.dlq"
)

// RetryQueue names the paired delay queue for a primary queue.
func RetryQueue(queue string) string {
	return queue + ".retry"
}

type binding struct {
	queue    string
	exchange string
	keys     []string
	dlx      string
}

var bindings = []binding{
	{QueueValidation, ExchangePayments, []string{"payment.*.received", "payment.webhook.*.payment.*.received"}, ExchangePaymentsDLX},
	{QueueClassification, ExchangePayments, []string{"payment.*.validated"}, ExchangePaymentsDLX},
	{QueueSagaStart, ExchangeSaga, []string{"saga.payment.start"}, ExchangePaymentsDLX},
	{QueueDistribution, ExchangePayments, []string{"payment.*.posted", "distribution.requested"}, ExchangePaymentsDLX},
	{QueueSettlement, ExchangePayments, []string{"payment.settlement.*", "payment.webhook.*.payment.*.settled"}, ExchangePaymentsDLX},
	{QueueReversal, ExchangeSaga, []string{"saga.payment.reversal.*"}, ExchangePaymentsDLX},
	{QueueReturned, ExchangePayments, []string{"payment.return.*", "payment.webhook.*.payment.return.*"}, ExchangePaymentsDLX},
	{QueueClawback, ExchangePayments, []string{"distribution.clawback"}, ExchangePaymentsDLX},
	{QueueCRMEmail, ExchangeCRMEmail, []string{"email.#"}, ExchangeCRMEmailDLX},
}

// DeclareTopology declares every exchange, queue, retry lane, and DLQ.
// Declarations are idempotent; every engine instance runs this at startup.
func DeclareTopology(ch *amqp.Channel) error {
	for _, ex := range []string{
		ExchangePayments, ExchangeSaga, ExchangeNotifications,
		ExchangeCRMEmail, ExchangeEvents, ExchangePaymentsDLX, ExchangeCRMEmailDLX,
	} {
		if err := ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: declare exchange %s: %w", ex, err)
		}
	}

	for _, b := range bindings {
		args := amqp.Table{"x-dead-letter-exchange": b.dlx}
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("broker: declare queue %s: %w", b.queue, err)
		}
		for _, key := range b.keys {
			if err := ch.QueueBind(b.queue, key, b.exchange, false, nil); err != nil {
				return fmt.Errorf("broker: bind %s to %s (%s): %w", b.queue, b.exchange, key, err)
			}
		}

		// Paired retry lane: messages sit here until their per-message TTL
		// expires, then dead-letter straight back onto the primary queue.
		retryArgs := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": b.queue,
		}
		if _, err := ch.QueueDeclare(RetryQueue(b.queue), true, false, false, false, retryArgs); err != nil {
			return fmt.Errorf("broker: declare retry queue for %s: %w", b.queue, err)
		}
	}

	// Per-domain DLQs catch everything their DLX sees.
	if _, err := ch.QueueDeclare(QueuePaymentsDLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare %s: %w", QueuePaymentsDLQ, err)
	}
	if err := ch.QueueBind(QueuePaymentsDLQ, "#", ExchangePaymentsDLX, false, nil); err != nil {
		return fmt.Errorf("broker: bind %s: %w", QueuePaymentsDLQ, err)
	}
	if _, err := ch.QueueDeclare(QueueCRMEmailDLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare %s: %w", QueueCRMEmailDLQ, err)
	}
	if err := ch.QueueBind(QueueCRMEmailDLQ, "#", ExchangeCRMEmailDLX, false, nil); err != nil {
		return fmt.Errorf("broker: bind %s: %w", QueueCRMEmailDLQ, err)
	}

	return nil
}
