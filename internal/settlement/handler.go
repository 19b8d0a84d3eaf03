// Package settlement confirms funds movement: when the processor reports a
// posted payment as settled, the ledger's pending rows become final and the
// payment reaches its happy-path terminal state.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loanserve/engine/internal/broker"
	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/eventchain"
	"github.com/loanserve/engine/internal/idempotency"
	"github.com/loanserve/engine/internal/ledger"
	"github.com/loanserve/engine/internal/locks"
	"github.com/loanserve/engine/internal/monitoring"
	"github.com/loanserve/engine/internal/outbox"
	"github.com/loanserve/engine/internal/payments"
)

const handlerName = "settle"

// Consumer handles settlement confirmations, either processor webhooks or
// internal payment.settlement.* events.
type Consumer struct {
	pool    *pgxpool.Pool
	factory *envelope.Factory
	logger  *log.Logger
}

func NewConsumer(pool *pgxpool.Pool, factory *envelope.Factory) *Consumer {
	return &Consumer{
		pool:    pool,
		factory: factory,
		logger:  log.New(log.Writer(), "[SETTLE] ", log.LstdFlags),
	}
}

type settledEvent struct {
	PaymentID string `json:"payment_id"`
	LoanID    string `json:"loan_id,omitempty"`
}

func (c *Consumer) Handle(ctx context.Context, env *envelope.Envelope) (broker.Decision, error) {
	var ev settledEvent
	if err := env.DecodeData(&ev); err != nil || ev.PaymentID == "" {
		return broker.Dead, fmt.Errorf("settlement: decode event: %w", err)
	}

	key := env.IdempotencyKey
	if key == "" {
		key = "settle:" + ev.PaymentID
	}

	err := idempotency.Run(ctx, c.pool, handlerName, key, func(tx pgx.Tx) error {
		return c.process(ctx, tx, env, &ev)
	})
	switch {
	case err == nil:
		return broker.Ack, nil
	case errors.Is(err, idempotency.ErrInFlight):
		return broker.Retry, err
	case errors.Is(err, payments.ErrBadTransition):
		c.logger.Printf("settlement for %s dropped: %v", ev.PaymentID, err)
		return broker.Ack, nil
	default:
		return broker.Retry, err
	}
}

func (c *Consumer) process(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *settledEvent) error {
	p, err := payments.Get(ctx, tx, ev.PaymentID)
	if err != nil {
		return err
	}
	if err := locks.AcquireLoan(ctx, tx, p.LoanID); err != nil {
		return err
	}
	if p.State == payments.StateSettled || payments.Terminal(p.State) {
		c.logger.Printf("payment %s already %s, dropping confirmation", p.PaymentID, p.State)
		return nil
	}

	// the processor confirmation collapses both hops
	if err := payments.Move(ctx, tx, p.PaymentID, payments.StateProcessing, "settlement", "processor_confirmed"); err != nil {
		return err
	}
	monitoring.PaymentTransition(string(payments.StateProcessing))
	if err := payments.Move(ctx, tx, p.PaymentID, payments.StateSettled, "settlement", "funds_final"); err != nil {
		return err
	}
	monitoring.PaymentTransition(string(payments.StateSettled))

	if err := ledger.SettleEntries(ctx, tx, p.PaymentID); err != nil {
		return err
	}

	schema := fmt.Sprintf("payment.%s.settled", p.Source)
	out, err := c.factory.ReplyWithKey(env, schema, p.IdempotencyKey, map[string]any{
		"payment_id":   p.PaymentID,
		"loan_id":      p.LoanID,
		"amount_cents": p.AmountCents,
	})
	if err != nil {
		return err
	}

	if _, err := eventchain.Append(ctx, tx, p.PaymentID, "payment.settled", out.Data, env.CorrelationID); err != nil {
		return err
	}

	body, err := out.JSON()
	if err != nil {
		return err
	}
	return outbox.Append(ctx, tx, outbox.Message{
		AggregateType: "payment",
		AggregateID:   p.PaymentID,
		EventType:     schema,
		Exchange:      broker.ExchangeEvents,
		RoutingKey:    schema,
		Payload:       body,
		CorrelationID: env.CorrelationID,
	})
}
