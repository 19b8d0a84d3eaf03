package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/loanserve/engine/internal/postgres"
)

// InsertEntries appends rows, enforcing balance before the write. Runs
// inside the caller's transaction alongside the state transition.
func InsertEntries(ctx context.Context, q postgres.Querier, entries []Entry) error {
	if err := CheckBalanced(entries); err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range entries {
		e := &entries[i]
		var reversalOf any
		if e.ReversalOf != 0 {
			reversalOf = e.ReversalOf
		}
		err := q.QueryRow(ctx, `
			INSERT INTO payment_ledger
				(loan_id, payment_id, account, debit_cents, credit_cents,
				 pending, effective_date, created_at, reversal_of)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING entry_id`,
			e.LoanID, e.PaymentID, e.Account, e.DebitCents, e.CreditCents,
			e.Pending, e.EffectiveDate, now, reversalOf).Scan(&e.EntryID)
		if err != nil {
			return fmt.Errorf("ledger: insert entry %s/%s: %w", e.PaymentID, e.Account, err)
		}
	}
	return nil
}

// EntriesForPayment returns all rows for a payment in insertion order.
func EntriesForPayment(ctx context.Context, q postgres.Querier, paymentID string) ([]Entry, error) {
	rows, err := q.Query(ctx, `
		SELECT entry_id, loan_id, payment_id, account, debit_cents, credit_cents,
		       pending, effective_date, created_at, COALESCE(reversal_of, 0)
		FROM payment_ledger
		WHERE payment_id = $1
		ORDER BY entry_id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: entries for %s: %w", paymentID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.LoanID, &e.PaymentID, &e.Account,
			&e.DebitCents, &e.CreditCents, &e.Pending, &e.EffectiveDate,
			&e.CreatedAt, &e.ReversalOf); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OriginalEntriesForPayment returns only non-mirror rows; these are what a
// reversal compensates.
func OriginalEntriesForPayment(ctx context.Context, q postgres.Querier, paymentID string) ([]Entry, error) {
	all, err := EntriesForPayment(ctx, q, paymentID)
	if err != nil {
		return nil, err
	}
	originals := all[:0:0]
	for _, e := range all {
		if e.ReversalOf == 0 {
			originals = append(originals, e)
		}
	}
	return originals, nil
}

// SettleEntries flips pending rows to settled for a payment.
func SettleEntries(ctx context.Context, q postgres.Querier, paymentID string) error {
	if _, err := q.Exec(ctx,
		`UPDATE payment_ledger SET pending = false WHERE payment_id = $1`, paymentID); err != nil {
		return fmt.Errorf("ledger: settle %s: %w", paymentID, err)
	}
	return nil
}
