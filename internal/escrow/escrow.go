// Package escrow tracks per-loan escrow accounts (tax, hazard, flood,
// mortgage insurance), the shortages allocation must fill first, and the
// escrow ledger rows the reversal saga mirrors.
package escrow

import (
	"github.com/loanserve/engine/internal/ledger"
)

// Category is one escrow bucket on a loan.
type Category string

const (
	CategoryTax    Category = "tax"
	CategoryHazard Category = "hazard"
	CategoryFlood  Category = "flood"
	CategoryMI     Category = "mi"
)

// Categories is the fixed fill order used when an escrow credit is split
// across buckets.
var Categories = []Category{CategoryTax, CategoryHazard, CategoryFlood, CategoryMI}

// LedgerAccount maps an escrow category to its ledger account.
func LedgerAccount(c Category) ledger.Account {
	switch c {
	case CategoryHazard:
		return ledger.AccountEscrowHazard
	case CategoryFlood:
		return ledger.AccountEscrowFlood
	case CategoryMI:
		return ledger.AccountEscrowMI
	default:
		return ledger.AccountEscrowTax
	}
}

// Account is one escrow bucket's balance state. Monetary fields are cents.
type Account struct {
	LoanID        string   `json:"loan_id"`
	Category      Category `json:"category"`
	BalanceCents  int64    `json:"balance_cents"`
	ShortageCents int64    `json:"shortage_cents"`
	MonthlyDue    int64    `json:"monthly_due_cents"`
}

// Balances is the aggregated view allocation reads: total shortage across
// categories and the total currently due.
type Balances struct {
	ShortageCents   int64
	CurrentDueCents int64
}

// Aggregate sums shortage and current due across a loan's accounts.
func Aggregate(accounts []Account) Balances {
	var b Balances
	for _, a := range accounts {
		b.ShortageCents += a.ShortageCents
		b.CurrentDueCents += a.MonthlyDue
	}
	return b
}

// Split distributes amountCents across accounts in fixed category order,
// capping each share at the account's need. due selects whether shortages
// or monthly dues are being filled. Returns per-category shares; the sum
// of shares always equals min(amountCents, total need).
func Split(accounts []Account, amountCents int64, shortage bool) map[Category]int64 {
	byCat := make(map[Category]*Account, len(accounts))
	for i := range accounts {
		byCat[accounts[i].Category] = &accounts[i]
	}

	shares := make(map[Category]int64)
	remaining := amountCents
	for _, cat := range Categories {
		if remaining <= 0 {
			break
		}
		a, ok := byCat[cat]
		if !ok {
			continue
		}
		need := a.MonthlyDue
		if shortage {
			need = a.ShortageCents
		}
		if need <= 0 {
			continue
		}
		take := min(remaining, need)
		shares[cat] = take
		remaining -= take
	}
	return shares
}
