package allocation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loanserve/engine/internal/broker"
	"github.com/loanserve/engine/internal/classify"
	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/escrow"
	"github.com/loanserve/engine/internal/eventchain"
	"github.com/loanserve/engine/internal/idempotency"
	"github.com/loanserve/engine/internal/ledger"
	"github.com/loanserve/engine/internal/loans"
	"github.com/loanserve/engine/internal/locks"
	"github.com/loanserve/engine/internal/monitoring"
	"github.com/loanserve/engine/internal/outbox"
	"github.com/loanserve/engine/internal/payments"
)

const handlerName = "allocate"

// Consumer handles saga.payment.start: under the per-loan lock it walks
// the policy waterfall, writes the balanced ledger pairs, moves the loan
// balances, and posts the payment.
type Consumer struct {
	pool    *pgxpool.Pool
	factory *envelope.Factory
	logger  *log.Logger
}

func NewConsumer(pool *pgxpool.Pool, factory *envelope.Factory) *Consumer {
	return &Consumer{
		pool:    pool,
		factory: factory,
		logger:  log.New(log.Writer(), "[ALLOCATE] ", log.LstdFlags),
	}
}

type sagaStartEvent struct {
	PaymentID string          `json:"payment_id"`
	LoanID    string          `json:"loan_id"`
	Policy    classify.Policy `json:"policy"`
	Config    classify.Config `json:"config"`
}

func (c *Consumer) Handle(ctx context.Context, env *envelope.Envelope) (broker.Decision, error) {
	var ev sagaStartEvent
	if err := env.DecodeData(&ev); err != nil || ev.PaymentID == "" {
		return broker.Dead, fmt.Errorf("allocation: decode saga start: %w", err)
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
		c.logger.Printf("ordering: payment %s already past validated", ev.PaymentID)
		return broker.Ack, nil
	default:
		return broker.Retry, err
	}
}

func (c *Consumer) process(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *sagaStartEvent) error {
	if err := locks.AcquireLoan(ctx, tx, ev.LoanID); err != nil {
		return err
	}

	p, err := payments.Get(ctx, tx, ev.PaymentID)
	if err != nil {
		return err
	}
	if p.State != payments.StateValidated {
		c.logger.Printf("payment %s is %s, not validated — dropping", p.PaymentID, p.State)
		return nil
	}

	targets, err := c.loadTargets(ctx, tx, ev.LoanID)
	if err != nil {
		return err
	}

	waterfall, err := RulesForLoan(ctx, tx, ev.LoanID)
	if err != nil {
		return err
	}
	if len(waterfall) == 0 {
		waterfall = ev.Config.Waterfall
	}

	plan := Build(waterfall, p.AmountCents, targets)
	if err := c.post(ctx, tx, p, &plan); err != nil {
		return err
	}

	if err := payments.Move(ctx, tx, p.PaymentID, payments.StatePosted, handlerName, string(ev.Policy)); err != nil {
		return err
	}
	monitoring.PaymentTransition(string(payments.StatePosted))

	schema := fmt.Sprintf("payment.%s.posted", p.Source)
	posted, err := c.factory.ReplyWithKey(env, schema, p.IdempotencyKey, map[string]any{
		"payment_id":      p.PaymentID,
		"loan_id":         p.LoanID,
		"source":          p.Source,
		"amount_cents":    p.AmountCents,
		"allocations":     plan.ByBucket(),
		"unapplied_cents": plan.UnappliedCents,
	})
	if err != nil {
		return err
	}

	if _, err := eventchain.Append(ctx, tx, p.PaymentID, "payment.posted", posted.Data, env.CorrelationID); err != nil {
		return err
	}

	body, err := posted.JSON()
	if err != nil {
		return err
	}
	return outbox.Append(ctx, tx, outbox.Message{
		AggregateType: "payment",
		AggregateID:   p.PaymentID,
		EventType:     schema,
		Exchange:      broker.ExchangePayments,
		RoutingKey:    schema,
		Payload:       body,
		CorrelationID: env.CorrelationID,
	})
}

// loadTargets reads the balances the waterfall draws down. The caller holds
// the loan lock, so these cannot change under us.
func (c *Consumer) loadTargets(ctx context.Context, tx pgx.Tx, loanID string) (Targets, error) {
	var t Targets

	loan, err := loans.Get(ctx, tx, loanID)
	if err != nil && !errors.Is(err, loans.ErrNotFound) {
		return t, err
	}
	if loan != nil {
		t.LateFeeCents = loan.LateFeeBalance
		t.InterestCents = loan.AccruedInterest
		t.PrincipalCents = loan.PrincipalBalance
	}

	t.Escrow, err = escrow.AccountsForLoan(ctx, tx, loanID)
	if err != nil {
		return t, err
	}
	return t, nil
}

// post writes the planned ledger pairs, credits escrow buckets, and
// decrements the loan balances, all on the caller's transaction.
func (c *Consumer) post(ctx context.Context, tx pgx.Tx, p *payments.Payment, plan *Plan) error {
	var entries []ledger.Entry
	addPair := func(account ledger.Account, amount int64) error {
		pair, err := ledger.Pair(p.LoanID, p.PaymentID, account, amount, p.EffectiveDate)
		if err != nil {
			return err
		}
		entries = append(entries, pair...)
		return nil
	}

	for _, line := range plan.Lines {
		if err := addPair(line.Account, line.AmountCents); err != nil {
			return err
		}
	}
	if plan.UnappliedCents > 0 {
		if err := addPair(ledger.AccountUnappliedFunds, plan.UnappliedCents); err != nil {
			return err
		}
	}

	if err := ledger.InsertEntries(ctx, tx, entries); err != nil {
		return err
	}

	byBucket := plan.ByBucket()
	for _, line := range plan.Lines {
		if line.Bucket != classify.BucketEscrow {
			continue
		}
		if err := escrow.Credit(ctx, tx, p.LoanID, line.Category, p.PaymentID, line.AmountCents); err != nil {
			return err
		}
	}

	return loans.ApplyAllocation(ctx, tx, p.LoanID,
		byBucket[classify.BucketLateFees],
		byBucket[classify.BucketInterest],
		byBucket[classify.BucketPrincipal])
}
