package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/loanserve/engine/internal/postgres"
)

// AccountsForLoan loads all escrow buckets for a loan.
func AccountsForLoan(ctx context.Context, q postgres.Querier, loanID string) ([]Account, error) {
	rows, err := q.Query(ctx, `
		SELECT loan_id, category, balance_cents, shortage_cents, monthly_due_cents
		FROM escrow_accounts WHERE loan_id = $1
		ORDER BY category`, loanID)
	if err != nil {
		return nil, fmt.Errorf("escrow: accounts for %s: %w", loanID, err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.LoanID, &a.Category, &a.BalanceCents, &a.ShortageCents, &a.MonthlyDue); err != nil {
			return nil, fmt.Errorf("escrow: scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Credit applies a payment share to one bucket: balance up, shortage down
// (never below zero), and an escrow ledger row linking the payment.
func Credit(ctx context.Context, q postgres.Querier, loanID string, cat Category, paymentID string, amountCents int64) error {
	_, err := q.Exec(ctx, `
		UPDATE escrow_accounts SET
			balance_cents  = balance_cents + $3,
			shortage_cents = GREATEST(shortage_cents - $3, 0)
		WHERE loan_id = $1 AND category = $2`, loanID, cat, amountCents)
	if err != nil {
		return fmt.Errorf("escrow: credit %s/%s: %w", loanID, cat, err)
	}
	return appendLedger(ctx, q, loanID, cat, paymentID, amountCents, "")
}

// Debit is the reversal mirror of Credit: balance down, shortage up by the
// same amount, plus a negative escrow ledger row linked to the original.
func Debit(ctx context.Context, q postgres.Querier, loanID string, cat Category, paymentID string, amountCents int64, reversalOf string) error {
	_, err := q.Exec(ctx, `
		UPDATE escrow_accounts SET
			balance_cents  = balance_cents - $3,
			shortage_cents = shortage_cents + $3
		WHERE loan_id = $1 AND category = $2`, loanID, cat, amountCents)
	if err != nil {
		return fmt.Errorf("escrow: debit %s/%s: %w", loanID, cat, err)
	}
	return appendLedger(ctx, q, loanID, cat, paymentID, -amountCents, reversalOf)
}

// LedgerEntry is one escrow movement tied to a payment.
type LedgerEntry struct {
	EntryID     string    `json:"entry_id"`
	LoanID      string    `json:"loan_id"`
	Category    Category  `json:"category"`
	PaymentID   string    `json:"payment_id"`
	AmountCents int64     `json:"amount_cents"`
	ReversalOf  string    `json:"reversal_of,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EntriesForPayment lists escrow movements for a payment, oldest first.
func EntriesForPayment(ctx context.Context, q postgres.Querier, paymentID string) ([]LedgerEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT entry_id, loan_id, category, payment_id, amount_cents,
		       COALESCE(reversal_of,''), created_at
		FROM escrow_ledger WHERE payment_id = $1
		ORDER BY created_at, entry_id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("escrow: entries for %s: %w", paymentID, err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.EntryID, &e.LoanID, &e.Category, &e.PaymentID,
			&e.AmountCents, &e.ReversalOf, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func appendLedger(ctx context.Context, q postgres.Querier, loanID string, cat Category, paymentID string, amountCents int64, reversalOf string) error {
	var rev any
	if reversalOf != "" {
		rev = reversalOf
	}
	_, err := q.Exec(ctx, `
		INSERT INTO escrow_ledger (entry_id, loan_id, category, payment_id, amount_cents, reversal_of, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)`,
		loanID, cat, paymentID, amountCents, rev, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("escrow: ledger append %s/%s: %w", loanID, cat, err)
	}
	return nil
}
