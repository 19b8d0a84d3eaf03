// Package ledger is the double-entry book for payment postings.
//
// Entries are append-only: a reversal never updates a row, it writes a
// mirror with debit and credit swapped, linked through reversal_of. For any
// payment the sum of debits always equals the sum of credits.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Account names are a fixed mapping; no dynamic chart of accounts.
type Account string

const (
	AccountCash                Account = "cash"
	AccountPrincipalReceivable Account = "principal_receivable"
	AccountInterestIncome      Account = "interest_income"
	AccountLateFeeIncome       Account = "late_fee_income"
	AccountEscrowTax           Account = "escrow_tax"
	AccountEscrowHazard        Account = "escrow_hazard"
	AccountEscrowFlood         Account = "escrow_flood"
	AccountEscrowMI            Account = "escrow_mi"
	AccountUnappliedFunds      Account = "unapplied_funds"
	AccountSuspense            Account = "suspense"
	AccountRecovery            Account = "recovery"
)

// KnownAccount reports whether a is part of the fixed mapping.
func KnownAccount(a Account) bool {
	switch a {
	case AccountCash, AccountPrincipalReceivable, AccountInterestIncome,
		AccountLateFeeIncome, AccountEscrowTax, AccountEscrowHazard,
		AccountEscrowFlood, AccountEscrowMI, AccountUnappliedFunds,
		AccountSuspense, AccountRecovery:
		return true
	}
	return false
}

var (
	ErrUnbalanced    = errors.New("ledger: debits do not equal credits")
	ErrUnknownAcct   = errors.New("ledger: unknown account")
	ErrNegativeCents = errors.New("ledger: negative amount")
)

// Entry is one ledger row. Exactly one of DebitCents / CreditCents is
// non-zero. Pending entries settle when the payment does.
type Entry struct {
	EntryID       int64     `json:"entry_id,omitempty"`
	LoanID        string    `json:"loan_id"`
	PaymentID     string    `json:"payment_id"`
	Account       Account   `json:"account"`
	DebitCents    int64     `json:"debit_cents"`
	CreditCents   int64     `json:"credit_cents"`
	Pending       bool      `json:"pending"`
	EffectiveDate time.Time `json:"effective_date"`
	CreatedAt     time.Time `json:"created_at"`
	ReversalOf    int64     `json:"reversal_of,omitempty"`
}

// Pair builds the balanced debit/credit pair for one waterfall step:
// debit cash, credit the target account.
func Pair(loanID, paymentID string, target Account, amountCents int64, effectiveDate time.Time) ([]Entry, error) {
	if amountCents < 0 {
		return nil, fmt.Errorf("%w: %d to %s", ErrNegativeCents, amountCents, target)
	}
	if !KnownAccount(target) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAcct, target)
	}

	return []Entry{
		{LoanID: loanID, PaymentID: paymentID, Account: AccountCash, DebitCents: amountCents, Pending: true, EffectiveDate: effectiveDate},
		{LoanID: loanID, PaymentID: paymentID, Account: target, CreditCents: amountCents, Pending: true, EffectiveDate: effectiveDate},
	}, nil
}

// Mirror produces the compensating entries for a reversal: every original
// row is re-issued with debit and credit swapped and linked to its source.
func Mirror(originals []Entry, effectiveDate time.Time) []Entry {
	mirrors := make([]Entry, 0, len(originals))
	for _, e := range originals {
		mirrors = append(mirrors, Entry{
			LoanID:        e.LoanID,
			PaymentID:     e.PaymentID,
			Account:       e.Account,
			DebitCents:    e.CreditCents,
			CreditCents:   e.DebitCents,
			EffectiveDate: effectiveDate,
			ReversalOf:    e.EntryID,
		})
	}
	return mirrors
}

// CheckBalanced verifies Σ debits == Σ credits across entries.
func CheckBalanced(entries []Entry) error {
	var debits, credits int64
	for _, e := range entries {
		debits += e.DebitCents
		credits += e.CreditCents
	}
	if debits != credits {
		return fmt.Errorf("%w: debits=%d credits=%d", ErrUnbalanced, debits, credits)
	}
	return nil
}

// CreditsByAccount sums credit cents per account, netting out debits to the
// same account (mirrors cancel their originals).
func CreditsByAccount(entries []Entry) map[Account]int64 {
	out := make(map[Account]int64)
	for _, e := range entries {
		out[e.Account] += e.CreditCents - e.DebitCents
	}
	// cash nets negative by construction; callers care about targets
	delete(out, AccountCash)
	return out
}
