package loans

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loanserve/engine/internal/postgres"
)

// Get loads the servicing view of a loan. Callers that intend to mutate
// balances must hold the per-loan advisory lock before calling this.
func Get(ctx context.Context, q postgres.Querier, loanID string) (*Loan, error) {
	var l Loan
	err := q.QueryRow(ctx, `
		SELECT loan_id, status, days_past_due, accept_partial_payments,
		       late_fee_balance, accrued_interest, principal_balance,
		       next_payment_date, payment_frequency, scheduled_payment_cents
		FROM loans WHERE loan_id = $1`, loanID).
		Scan(&l.LoanID, &l.Status, &l.DaysPastDue, &l.AcceptPartialPayments,
			&l.LateFeeBalance, &l.AccruedInterest, &l.PrincipalBalance,
			&l.NextPaymentDate, &l.PaymentFrequency, &l.ScheduledPaymentCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loanID)
	}
	if err != nil {
		return nil, fmt.Errorf("loans: get %s: %w", loanID, err)
	}
	return &l, nil
}

// ApplyAllocation decrements the balances a posted payment satisfied.
// Deltas are positive amounts to subtract; run under the advisory lock.
func ApplyAllocation(ctx context.Context, q postgres.Querier, loanID string, lateFees, interest, principal int64) error {
	_, err := q.Exec(ctx, `
		UPDATE loans SET
			late_fee_balance  = late_fee_balance  - $2,
			accrued_interest  = accrued_interest  - $3,
			principal_balance = principal_balance - $4
		WHERE loan_id = $1`, loanID, lateFees, interest, principal)
	if err != nil {
		return fmt.Errorf("loans: apply allocation %s: %w", loanID, err)
	}
	return nil
}

// RestoreBalances is the reversal mirror of ApplyAllocation: principal comes
// back onto the loan and accrued interest is restored.
func RestoreBalances(ctx context.Context, q postgres.Querier, loanID string, lateFees, interest, principal int64) error {
	_, err := q.Exec(ctx, `
		UPDATE loans SET
			late_fee_balance  = late_fee_balance  + $2,
			accrued_interest  = accrued_interest  + $3,
			principal_balance = principal_balance + $4
		WHERE loan_id = $1`, loanID, lateFees, interest, principal)
	if err != nil {
		return fmt.Errorf("loans: restore balances %s: %w", loanID, err)
	}
	return nil
}

// AssessLateFee adds a flat late fee to the loan's fee balance.
func AssessLateFee(ctx context.Context, q postgres.Querier, loanID string, feeCents int64) error {
	_, err := q.Exec(ctx,
		`UPDATE loans SET late_fee_balance = late_fee_balance + $2 WHERE loan_id = $1`,
		loanID, feeCents)
	if err != nil {
		return fmt.Errorf("loans: assess late fee %s: %w", loanID, err)
	}
	return nil
}

// SetSchedule updates next_payment_date and the derived status together.
func SetSchedule(ctx context.Context, q postgres.Querier, loanID string, next Loan) error {
	_, err := q.Exec(ctx, `
		UPDATE loans SET next_payment_date = $2, status = $3 WHERE loan_id = $1`,
		loanID, next.NextPaymentDate, next.Status)
	if err != nil {
		return fmt.Errorf("loans: set schedule %s: %w", loanID, err)
	}
	return nil
}
