package reversal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loanserve/engine/internal/broker"
	"github.com/loanserve/engine/internal/config"
	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/escrow"
	"github.com/loanserve/engine/internal/eventchain"
	"github.com/loanserve/engine/internal/exceptions"
	"github.com/loanserve/engine/internal/idempotency"
	"github.com/loanserve/engine/internal/ledger"
	"github.com/loanserve/engine/internal/loans"
	"github.com/loanserve/engine/internal/locks"
	"github.com/loanserve/engine/internal/monitoring"
	"github.com/loanserve/engine/internal/notify"
	"github.com/loanserve/engine/internal/outbox"
	"github.com/loanserve/engine/internal/payments"
	"github.com/loanserve/engine/internal/postgres"
)

const (
	handlerName  = "reversal"
	schemaPrefix = "saga.payment.reversal."
)

var errNothingToReverse = errors.New("reversal: no ledger entries to reverse")

// Event is the payload every saga step message carries. It is self-contained
// so a step can run without re-reading the step that produced it.
type Event struct {
	SagaID     string    `json:"saga_id"`
	PaymentID  string    `json:"payment_id"`
	LoanID     string    `json:"loan_id"`
	Reason     string    `json:"reason"`
	ReturnCode string    `json:"return_code,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// Consumer executes reversal saga steps arriving on the reversal queue.
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
		logger:  log.New(log.Writer(), "[REVERSAL] ", log.LstdFlags),
	}
}

func (c *Consumer) Handle(ctx context.Context, env *envelope.Envelope) (broker.Decision, error) {
	step := strings.TrimPrefix(env.Schema, schemaPrefix)
	if step == env.Schema || !ValidStep(step) {
		return broker.Dead, fmt.Errorf("reversal: unknown step schema %q", env.Schema)
	}

	var ev Event
	if err := env.DecodeData(&ev); err != nil || ev.SagaID == "" || ev.PaymentID == "" {
		return broker.Dead, fmt.Errorf("reversal: decode saga event: %w", err)
	}

	err := idempotency.Run(ctx, c.pool, handlerName, StepKey(ev.SagaID, step), func(tx pgx.Tx) error {
		return c.process(ctx, tx, env, &ev, step)
	})
	switch {
	case err == nil:
		return broker.Ack, nil
	case errors.Is(err, idempotency.ErrInFlight):
		return broker.Retry, err
	case errors.Is(err, payments.ErrBadTransition):
		// the state already advanced; this delivery is stale
		c.logger.Printf("saga %s step %s dropped: %v", ev.SagaID, step, err)
		return broker.Ack, nil
	default:
		return broker.Retry, err
	}
}

func (c *Consumer) process(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *Event, step string) error {
	if err := locks.AcquireLoan(ctx, tx, ev.LoanID); err != nil {
		return err
	}

	if err := c.runStep(ctx, tx, env, ev, step); err != nil {
		if pausable(err) {
			return c.pause(ctx, tx, ev, step, err)
		}
		monitoring.SagaStep(step, "error")
		return err
	}
	monitoring.SagaStep(step, "ok")

	next := NextStep(step)
	if next == "" {
		return nil
	}
	if err := SetStep(ctx, tx, ev.SagaID, next); err != nil {
		return err
	}
	return c.emitStep(ctx, tx, env, ev, next)
}

func (c *Consumer) runStep(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *Event, step string) error {
	switch step {
	case StepMarkReturned:
		return c.markReturned(ctx, tx, env, ev)
	case StepReverseLedger:
		return c.reverseLedger(ctx, tx, env, ev)
	case StepReverseEscrow:
		return c.reverseEscrow(ctx, tx, env, ev)
	case StepClawback:
		return c.clawback(ctx, tx, env, ev)
	case StepRecomputeSchedule:
		return c.recomputeSchedule(ctx, tx, env, ev)
	case StepUpdateLoanStatus:
		return c.updateLoanStatus(ctx, tx, env, ev)
	case StepNotify:
		return c.notifyParties(ctx, tx, env, ev)
	case StepMarkReversed:
		return c.markReversed(ctx, tx, env, ev)
	}
	return fmt.Errorf("reversal: unhandled step %q", step)
}

func (c *Consumer) markReturned(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *Event) error {
	if err := Start(ctx, tx, &Saga{
		SagaID:     ev.SagaID,
		PaymentID:  ev.PaymentID,
		LoanID:     ev.LoanID,
		Reason:     ev.Reason,
		ReturnCode: ev.ReturnCode,
		StartedAt:  ev.StartedAt,
	}); err != nil {
		return err
	}

	reason := ev.Reason
	if ev.ReturnCode != "" {
		reason = ev.ReturnCode
	}
	if err := payments.Move(ctx, tx, ev.PaymentID, payments.StateReturned, "saga", reason); err != nil {
		return err
	}
	monitoring.PaymentTransition(string(payments.StateReturned))

	_, err := eventchain.Append(ctx, tx, ev.PaymentID, "payment.returned", env.Data, env.CorrelationID)
	return err
}

// reverseLedger writes the compensating mirror for every original ledger
// row and puts the satisfied amounts back on the loan's balances.
func (c *Consumer) reverseLedger(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *Event) error {
	originals, err := ledger.OriginalEntriesForPayment(ctx, tx, ev.PaymentID)
	if err != nil {
		return err
	}
	if len(originals) == 0 {
		return fmt.Errorf("%w: payment %s", errNothingToReverse, ev.PaymentID)
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if err := ledger.InsertEntries(ctx, tx, ledger.Mirror(originals, today)); err != nil {
		return err
	}

	credits := ledger.CreditsByAccount(originals)
	if err := loans.RestoreBalances(ctx, tx, ev.LoanID,
		credits[ledger.AccountLateFeeIncome],
		credits[ledger.AccountInterestIncome],
		credits[ledger.AccountPrincipalReceivable]); err != nil {
		return err
	}

	_, err = eventchain.Append(ctx, tx, ev.PaymentID, "reversal.ledger_reversed", env.Data, env.CorrelationID)
	return err
}

// reverseEscrow debits each escrow bucket the payment had credited, linking
// every negative row to the original through reversal_of.
func (c *Consumer) reverseEscrow(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *Event) error {
	entries, err := escrow.EntriesForPayment(ctx, tx, ev.PaymentID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ReversalOf != "" || e.AmountCents <= 0 {
			continue
		}
		if err := escrow.Debit(ctx, tx, ev.LoanID, e.Category, ev.PaymentID, e.AmountCents, e.EntryID); err != nil {
			return err
		}
	}

	_, err = eventchain.Append(ctx, tx, ev.PaymentID, "reversal.escrow_reversed", env.Data, env.CorrelationID)
	return err
}

// clawback asks the distribution side to issue negative rows; it runs on its
// own queue because investor positions are a different consistency domain.
func (c *Consumer) clawback(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *Event) error {
	cmd, err := c.factory.ReplyWithKey(env, "distribution.clawback", StepKey(ev.SagaID, StepClawback), map[string]string{
		"payment_id": ev.PaymentID,
		"loan_id":    ev.LoanID,
		"saga_id":    ev.SagaID,
	})
	if err != nil {
		return err
	}
	body, err := cmd.JSON()
	if err != nil {
		return err
	}
	if err := outbox.Append(ctx, tx, outbox.Message{
		AggregateType: "payment",
		AggregateID:   ev.PaymentID,
		EventType:     "distribution.clawback",
		Exchange:      broker.ExchangePayments,
		RoutingKey:    "distribution.clawback",
		Payload:       body,
		CorrelationID: env.CorrelationID,
	}); err != nil {
		return err
	}

	_, err = eventchain.Append(ctx, tx, ev.PaymentID, "reversal.clawback_requested", env.Data, env.CorrelationID)
	return err
}

// recomputeSchedule moves next_payment_date back one period: the reversed
// payment no longer covers it. If that restored date is already past the
// grace window, the flat late fee applies.
func (c *Consumer) recomputeSchedule(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *Event) error {
	loan, err := loans.Get(ctx, tx, ev.LoanID)
	if err != nil {
		return err
	}

	restored := loans.RetreatDate(loan.NextPaymentDate, loan.PaymentFrequency)
	now := time.Now().UTC()
	if now.After(restored.AddDate(0, 0, c.cfg.LateFeeGraceDays)) {
		if err := loans.AssessLateFee(ctx, tx, ev.LoanID, c.cfg.LateFeeFlatCents); err != nil {
			return err
		}
	}

	if err := loans.SetSchedule(ctx, tx, ev.LoanID, loans.Loan{
		NextPaymentDate: restored,
		Status:          loan.Status,
	}); err != nil {
		return err
	}

	_, err = eventchain.Append(ctx, tx, ev.PaymentID, "reversal.schedule_recomputed", env.Data, env.CorrelationID)
	return err
}

// scheduleDriven lists the statuses the engine may rewrite from the payment
// schedule. Hardship and terminal statuses are ops-managed and stay put.
func scheduleDriven(s loans.Status) bool {
	switch s {
	case loans.StatusActive, loans.StatusCurrent, loans.StatusLate, loans.StatusDelinquent:
		return true
	}
	return false
}

func (c *Consumer) updateLoanStatus(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *Event) error {
	loan, err := loans.Get(ctx, tx, ev.LoanID)
	if err != nil {
		return err
	}

	if scheduleDriven(loan.Status) {
		status := loans.DeriveStatus(loan.NextPaymentDate, time.Now().UTC(), c.cfg.LateFeeGraceDays)
		if status != loan.Status {
			if err := loans.SetSchedule(ctx, tx, ev.LoanID, loans.Loan{
				NextPaymentDate: loan.NextPaymentDate,
				Status:          status,
			}); err != nil {
				return err
			}
		}
	}

	_, err = eventchain.Append(ctx, tx, ev.PaymentID, "reversal.loan_status_updated", env.Data, env.CorrelationID)
	return err
}

func (c *Consumer) notifyParties(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *Event) error {
	p, err := payments.Get(ctx, tx, ev.PaymentID)
	if err != nil {
		return err
	}

	vars := map[string]string{
		"payment_id":   p.PaymentID,
		"loan_id":      p.LoanID,
		"amount_cents": strconv.FormatInt(p.AmountCents, 10),
		"reason":       ev.Reason,
	}
	if err := notify.Enqueue(ctx, tx, c.factory, env, ev.PaymentID, notify.Message{
		Recipient: "borrower:" + p.LoanID,
		Template:  "payment_reversed",
		Variables: vars,
		Channel:   notify.ChannelEmail,
		Priority:  notify.PriorityHigh,
	}); err != nil {
		return err
	}
	if err := notify.Enqueue(ctx, tx, c.factory, env, ev.PaymentID, notify.Message{
		Recipient: "investors:" + p.LoanID,
		Template:  "distribution_clawback",
		Variables: vars,
		Channel:   notify.ChannelEmail,
		Priority:  notify.PriorityNormal,
	}); err != nil {
		return err
	}

	_, err = eventchain.Append(ctx, tx, ev.PaymentID, "reversal.notified", env.Data, env.CorrelationID)
	return err
}

func (c *Consumer) markReversed(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *Event) error {
	if err := payments.Move(ctx, tx, ev.PaymentID, payments.StateReversed, "saga", ev.Reason); err != nil {
		return err
	}
	monitoring.PaymentTransition(string(payments.StateReversed))

	now := time.Now().UTC()
	if err := Complete(ctx, tx, ev.SagaID, now); err != nil {
		return err
	}
	if !ev.StartedAt.IsZero() {
		monitoring.SagaCompleted(now.Sub(ev.StartedAt))
	}

	done, err := c.factory.ReplyWithKey(env, "payment.reversed", StepKey(ev.SagaID, "done"), ev)
	if err != nil {
		return err
	}
	body, err := done.JSON()
	if err != nil {
		return err
	}
	if err := outbox.Append(ctx, tx, outbox.Message{
		AggregateType: "payment",
		AggregateID:   ev.PaymentID,
		EventType:     "payment.reversed",
		Exchange:      broker.ExchangeEvents,
		RoutingKey:    "payment.reversed",
		Payload:       body,
		CorrelationID: env.CorrelationID,
	}); err != nil {
		return err
	}

	_, err = eventchain.Append(ctx, tx, ev.PaymentID, "payment.reversed", env.Data, env.CorrelationID)
	return err
}

// emitStep hands the next step to the outbox, so advancing the saga commits
// atomically with the step that just ran.
func (c *Consumer) emitStep(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *Event, next string) error {
	stepEnv, err := c.factory.ReplyWithKey(env, schemaPrefix+next, StepKey(ev.SagaID, next), ev)
	if err != nil {
		return err
	}
	body, err := stepEnv.JSON()
	if err != nil {
		return err
	}
	return outbox.Append(ctx, tx, outbox.Message{
		AggregateType: "saga",
		AggregateID:   ev.SagaID,
		EventType:     schemaPrefix + next,
		Exchange:      broker.ExchangeSaga,
		RoutingKey:    schemaPrefix + next,
		Payload:       body,
		CorrelationID: env.CorrelationID,
	})
}

// pausable classifies failures manual review must resolve: broken books or
// missing rows will not heal on retry.
func pausable(err error) bool {
	return errors.Is(err, errNothingToReverse) ||
		errors.Is(err, ledger.ErrUnbalanced) ||
		errors.Is(err, ledger.ErrUnknownAcct) ||
		errors.Is(err, loans.ErrNotFound) ||
		errors.Is(err, payments.ErrNotFound)
}

// pause records the stop and opens the case in the same transaction, then
// commits: the saga stays at this step until ops resolves the case and
// re-injects the step message. The step's idempotency claim is released in
// the same transaction — the step did no work, and a claim left behind
// would make the re-injected message short-circuit instead of running.
func (c *Consumer) pause(ctx context.Context, q postgres.Querier, ev *Event, step string, cause error) error {
	c.logger.Printf("saga %s paused at %s: %v", ev.SagaID, step, cause)

	if err := Pause(ctx, q, ev.SagaID, step); err != nil {
		return err
	}
	if err := idempotency.Release(ctx, q, handlerName, StepKey(ev.SagaID, step)); err != nil {
		return err
	}

	sev := exceptions.SeverityForSagaStep(step)
	if _, err := exceptions.Open(ctx, q, exceptions.Case{
		PaymentID:   ev.PaymentID,
		Category:    exceptions.CategorySagaFailure,
		Subcategory: step,
		Severity:    sev,
	}); err != nil {
		return err
	}
	monitoring.ExceptionOpened(string(exceptions.CategorySagaFailure), string(sev))
	monitoring.SagaStep(step, "paused")
	return nil
}
