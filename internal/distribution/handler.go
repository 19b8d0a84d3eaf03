package distribution

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loanserve/engine/internal/broker"
	"github.com/loanserve/engine/internal/config"
	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/eventchain"
	"github.com/loanserve/engine/internal/idempotency"
	"github.com/loanserve/engine/internal/investors"
	"github.com/loanserve/engine/internal/ledger"
	"github.com/loanserve/engine/internal/locks"
	"github.com/loanserve/engine/internal/outbox"
	"github.com/loanserve/engine/internal/payments"
)

const handlerName = "distribute"

// Consumer handles payment.*.posted: it reads the posted ledger, splits
// interest+principal across the investor positions effective on the
// payment's effective date, and records the distribution rows.
type Consumer struct {
	pool    *pgxpool.Pool
	factory *envelope.Factory
	cfg     config.ServicingConfig
	logger  *log.Logger
}

func NewConsumer(pool *pgxpool.Pool, factory *envelope.Factory, cfg config.ServicingConfig) *Consumer {
	return &Consumer{
		pool:    pool,
		factory: factory,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[DISTRIBUTE] ", log.LstdFlags),
	}
}

type postedEvent struct {
	PaymentID string `json:"payment_id"`
	LoanID    string `json:"loan_id"`
}

func (c *Consumer) Handle(ctx context.Context, env *envelope.Envelope) (broker.Decision, error) {
	var ev postedEvent
	if err := env.DecodeData(&ev); err != nil || ev.PaymentID == "" {
		return broker.Dead, fmt.Errorf("distribution: decode posted event: %w", err)
	}

	err := idempotency.Run(ctx, c.pool, handlerName, env.IdempotencyKey, func(tx pgx.Tx) error {
		return c.process(ctx, tx, env, &ev)
	})
	switch {
	case err == nil:
		return broker.Ack, nil
	case errors.Is(err, idempotency.ErrInFlight):
		return broker.Retry, err
	case errors.Is(err, investors.ErrBadShareSum), errors.Is(err, investors.ErrNoPositions):
		// position data is broken; retrying cannot fix it
		return broker.Dead, err
	default:
		return broker.Retry, err
	}
}

func (c *Consumer) process(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *postedEvent) error {
	if err := locks.AcquireLoan(ctx, tx, ev.LoanID); err != nil {
		return err
	}

	p, err := payments.Get(ctx, tx, ev.PaymentID)
	if err != nil {
		return err
	}

	entries, err := ledger.OriginalEntriesForPayment(ctx, tx, p.PaymentID)
	if err != nil {
		return err
	}
	credits := ledger.CreditsByAccount(entries)
	interest := credits[ledger.AccountInterestIncome]
	principal := credits[ledger.AccountPrincipalReceivable]

	if interest+principal == 0 {
		// suspense/escrow-only postings have nothing to distribute
		c.logger.Printf("payment %s has no distributable P&I", p.PaymentID)
		return nil
	}

	positions, err := investors.PositionsAsOf(ctx, tx, p.LoanID, p.EffectiveDate)
	if err != nil {
		return err
	}

	res := Calculate(interest, principal, positions, c.cfg.ServicingBps)
	if err := InsertPosted(ctx, tx, p.PaymentID, p.EffectiveDate, res); err != nil {
		return err
	}

	calculated, err := c.factory.ReplyWithKey(env, "distribution.calculated", p.IdempotencyKey, res)
	if err != nil {
		return err
	}

	if _, err := eventchain.Append(ctx, tx, p.PaymentID, "distribution.calculated", calculated.Data, env.CorrelationID); err != nil {
		return err
	}

	body, err := calculated.JSON()
	if err != nil {
		return err
	}
	return outbox.Append(ctx, tx, outbox.Message{
		AggregateType: "payment",
		AggregateID:   p.PaymentID,
		EventType:     "distribution.calculated",
		Exchange:      broker.ExchangePayments,
		RoutingKey:    "distribution.calculated",
		Payload:       body,
		CorrelationID: env.CorrelationID,
	})
}

// ClawbackConsumer handles distribution.clawback, emitted by the reversal
// saga: every posted row gets a negative mirror sharing one clawback id.
type ClawbackConsumer struct {
	pool    *pgxpool.Pool
	factory *envelope.Factory
	logger  *log.Logger
}

func NewClawbackConsumer(pool *pgxpool.Pool, factory *envelope.Factory) *ClawbackConsumer {
	return &ClawbackConsumer{
		pool:    pool,
		factory: factory,
		logger:  log.New(log.Writer(), "[CLAWBACK] ", log.LstdFlags),
	}
}

type clawbackEvent struct {
	PaymentID string `json:"payment_id"`
	LoanID    string `json:"loan_id"`
	SagaID    string `json:"saga_id"`
}

func (c *ClawbackConsumer) Handle(ctx context.Context, env *envelope.Envelope) (broker.Decision, error) {
	var ev clawbackEvent
	if err := env.DecodeData(&ev); err != nil || ev.PaymentID == "" {
		return broker.Dead, fmt.Errorf("distribution: decode clawback event: %w", err)
	}

	err := idempotency.Run(ctx, c.pool, "clawback", env.IdempotencyKey, func(tx pgx.Tx) error {
		clawbackID, n, err := InsertClawback(ctx, tx, ev.PaymentID)
		if err != nil {
			return err
		}
		if n == 0 {
			c.logger.Printf("payment %s has no posted distributions to claw back", ev.PaymentID)
			return nil
		}
		c.logger.Printf("clawback %s covers %d rows for payment %s", clawbackID, n, ev.PaymentID)

		_, err = eventchain.Append(ctx, tx, ev.PaymentID, "distribution.clawback",
			env.Data, env.CorrelationID)
		return err
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrInFlight) {
			return broker.Retry, err
		}
		return broker.Retry, err
	}
	return broker.Ack, nil
}
