package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loanserve/engine/internal/postgres"
)

var ErrNotFound = errors.New("payments: not found")

// Insert writes a new payment row together with its initial transition.
// Callers run this inside the transaction that owns the rest of the write.
func Insert(ctx context.Context, q postgres.Querier, p *Payment) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payment_transactions
			(payment_id, loan_id, source, external_ref, amount_cents, currency,
			 received_at, effective_date, state, idempotency_key, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.PaymentID, p.LoanID, p.Source, p.ExternalRef, p.AmountCents, p.Currency,
		p.ReceivedAt, p.EffectiveDate, p.State, p.IdempotencyKey, p.Metadata)
	if err != nil {
		return fmt.Errorf("payments: insert %s: %w", p.PaymentID, err)
	}

	return logTransition(ctx, q, &Transition{
		PaymentID:  p.PaymentID,
		NewState:   p.State,
		OccurredAt: time.Now().UTC(),
		Actor:      "system",
		Reason:     "created",
	})
}

// Move advances the payment state machine, refusing illegal edges and
// writing the transition log row atomically with the update. The caller's
// transaction must already hold the per-loan advisory lock.
func Move(ctx context.Context, q postgres.Querier, paymentID string, to State, actor, reason string) error {
	var from State
	err := q.QueryRow(ctx,
		`SELECT state FROM payment_transactions WHERE payment_id = $1 FOR UPDATE`,
		paymentID).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
	}
	if err != nil {
		return fmt.Errorf("payments: load %s: %w", paymentID, err)
	}

	if err := CheckTransition(from, to); err != nil {
		return err
	}

	if _, err := q.Exec(ctx,
		`UPDATE payment_transactions SET state = $2 WHERE payment_id = $1`,
		paymentID, to); err != nil {
		return fmt.Errorf("payments: move %s to %s: %w", paymentID, to, err)
	}

	return logTransition(ctx, q, &Transition{
		PaymentID:     paymentID,
		PreviousState: from,
		NewState:      to,
		OccurredAt:    time.Now().UTC(),
		Actor:         actor,
		Reason:        reason,
	})
}

func logTransition(ctx context.Context, q postgres.Querier, t *Transition) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payment_state_transitions
			(payment_id, previous_state, new_state, occurred_at, actor, reason)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		t.PaymentID, t.PreviousState, t.NewState, t.OccurredAt, t.Actor, t.Reason)
	if err != nil {
		return fmt.Errorf("payments: log transition %s: %w", t.PaymentID, err)
	}
	return nil
}

// Get loads a payment by id.
func Get(ctx context.Context, q postgres.Querier, paymentID string) (*Payment, error) {
	return scanOne(q.QueryRow(ctx, selectPayment+` WHERE payment_id = $1`, paymentID))
}

// GetByIdempotencyKey is the duplicate-detection lookup used by validation.
func GetByIdempotencyKey(ctx context.Context, q postgres.Querier, key string) (*Payment, error) {
	return scanOne(q.QueryRow(ctx, selectPayment+` WHERE idempotency_key = $1`, key))
}

// GetByCorrelationID backs the status query surface: clients observe
// outcomes by correlation id, never by handler errors.
func GetByCorrelationID(ctx context.Context, q postgres.Querier, correlationID string) (*Payment, error) {
	return scanOne(q.QueryRow(ctx, selectPayment+`
		WHERE payment_id IN (
			SELECT payment_id FROM payment_events WHERE correlation_id = $1 LIMIT 1
		)`, correlationID))
}

// HasLiveCheckDuplicate reports whether another check with the same
// (check_number, payer_account, amount) triple exists in a non-terminal state.
func HasLiveCheckDuplicate(ctx context.Context, q postgres.Querier, checkNumber, payerAccount string, amountCents int64, excludePaymentID string) (bool, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT count(*) FROM payment_transactions
		WHERE source IN ('check','lockbox')
		  AND metadata->>'check_number' = $1
		  AND metadata->>'payer_account' = $2
		  AND amount_cents = $3
		  AND payment_id <> $4
		  AND state NOT IN ('rejected','reversed','closed')`,
		checkNumber, payerAccount, amountCents, excludePaymentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("payments: check duplicate query: %w", err)
	}
	return n > 0, nil
}

const selectPayment = `
	SELECT payment_id, loan_id, source, external_ref, amount_cents, currency,
	       received_at, effective_date, state, idempotency_key, metadata
	FROM payment_transactions`

func scanOne(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.PaymentID, &p.LoanID, &p.Source, &p.ExternalRef,
		&p.AmountCents, &p.Currency, &p.ReceivedAt, &p.EffectiveDate,
		&p.State, &p.IdempotencyKey, &p.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payments: scan: %w", err)
	}
	return &p, nil
}
