package classify

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
	"github.com/loanserve/engine/internal/exceptions"
	"github.com/loanserve/engine/internal/idempotency"
	"github.com/loanserve/engine/internal/loans"
	"github.com/loanserve/engine/internal/monitoring"
	"github.com/loanserve/engine/internal/outbox"
	"github.com/loanserve/engine/internal/payments"
)

const handlerName = "classify"

// Consumer handles payment.*.validated: it chooses the policy the payment
// will be processed under and starts the posting saga with that policy's
// frozen config.
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
		logger:  log.New(log.Writer(), "[CLASSIFY] ", log.LstdFlags),
	}
}

type validatedEvent struct {
	PaymentID string `json:"payment_id"`
	LoanID    string `json:"loan_id"`
}

// classifiedEvent is the payload of both the chain event and the saga
// start message.
type classifiedEvent struct {
	PaymentID string `json:"payment_id"`
	LoanID    string `json:"loan_id"`
	Policy    Policy `json:"policy"`
	Config    Config `json:"config"`
}

func (c *Consumer) Handle(ctx context.Context, env *envelope.Envelope) (broker.Decision, error) {
	var ev validatedEvent
	if err := env.DecodeData(&ev); err != nil || ev.PaymentID == "" {
		return broker.Dead, fmt.Errorf("classify: decode validated event: %w", err)
	}

	err := idempotency.Run(ctx, c.pool, handlerName, env.IdempotencyKey, func(tx pgx.Tx) error {
		return c.process(ctx, tx, env, &ev)
	})
	switch {
	case err == nil:
		return broker.Ack, nil
	case errors.Is(err, idempotency.ErrInFlight):
		return broker.Retry, err
	case errors.Is(err, payments.ErrBadTransition):
		// state already advanced; drop
		c.logger.Printf("ordering: payment %s already past validated", ev.PaymentID)
		return broker.Ack, nil
	default:
		return broker.Retry, err
	}
}

func (c *Consumer) process(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *validatedEvent) error {
	p, err := payments.Get(ctx, tx, ev.PaymentID)
	if err != nil {
		return err
	}
	if p.State != payments.StateValidated {
		// ordering: a redelivered or late message; the saga is already running
		c.logger.Printf("payment %s is %s, not validated — dropping", p.PaymentID, p.State)
		return nil
	}

	loan, err := loans.Get(ctx, tx, ev.LoanID)
	if err != nil && !errors.Is(err, loans.ErrNotFound) {
		return err
	}

	policy, needsCase := Select(loan, c.cfg.StatusWinsInForbearance)
	if needsCase {
		if _, cerr := exceptions.Open(ctx, tx, exceptions.Case{
			PaymentID:   p.PaymentID,
			Category:    exceptions.CategoryReconcileVariance,
			Subcategory: "loan_state_missing",
			Severity:    exceptions.SeverityMedium,
		}); cerr != nil {
			return cerr
		}
		monitoring.ExceptionOpened(string(exceptions.CategoryReconcileVariance), string(exceptions.SeverityMedium))
	}

	classified := classifiedEvent{
		PaymentID: p.PaymentID,
		LoanID:    p.LoanID,
		Policy:    policy,
		Config:    ConfigFor(policy),
	}

	start, err := c.factory.ReplyWithKey(env, "saga.payment.start", p.IdempotencyKey, classified)
	if err != nil {
		return err
	}

	if _, err := eventchain.Append(ctx, tx, p.PaymentID, "payment.classified", start.Data, env.CorrelationID); err != nil {
		return err
	}

	body, err := start.JSON()
	if err != nil {
		return err
	}
	return outbox.Append(ctx, tx, outbox.Message{
		AggregateType: "payment",
		AggregateID:   p.PaymentID,
		EventType:     "saga.payment.start",
		Exchange:      broker.ExchangeSaga,
		RoutingKey:    "saga.payment.start",
		Payload:       body,
		CorrelationID: env.CorrelationID,
	})
}
