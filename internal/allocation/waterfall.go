// Package allocation turns a classified payment into ledger entries: the
// policy waterfall is walked bucket by bucket, each taking at most its
// target balance, and whatever is left lands in unapplied_funds.
package allocation

import (
	"github.com/loanserve/engine/internal/classify"
	"github.com/loanserve/engine/internal/escrow"
	"github.com/loanserve/engine/internal/ledger"
)

// Targets are the balances the waterfall draws down, loaded under the
// per-loan lock so they cannot move mid-allocation.
type Targets struct {
	LateFeeCents   int64
	InterestCents  int64
	PrincipalCents int64
	Escrow         []escrow.Account
}

// Line is one planned credit. Category is set only for escrow lines.
type Line struct {
	Bucket      string
	Account     ledger.Account
	Category    escrow.Category
	AmountCents int64
}

// Plan is the outcome of walking the waterfall: ordered credits plus the
// unapplied tail.
type Plan struct {
	Lines          []Line
	UnappliedCents int64
}

// Total sums every credit including the unapplied tail.
func (p *Plan) Total() int64 {
	total := p.UnappliedCents
	for _, l := range p.Lines {
		total += l.AmountCents
	}
	return total
}

// ByBucket sums the planned credits per bucket.
func (p *Plan) ByBucket() map[string]int64 {
	out := map[string]int64{}
	for _, l := range p.Lines {
		out[l.Bucket] += l.AmountCents
	}
	return out
}

// Build walks the waterfall in order. Each bucket takes
// min(remaining, target); recovery and suspense are sinks with no target
// cap. The tail goes to unapplied_funds, so Total() == amountCents always.
func Build(waterfall []string, amountCents int64, t Targets) Plan {
	var plan Plan
	remaining := amountCents

	for _, bucket := range waterfall {
		if remaining <= 0 {
			break
		}
		switch bucket {
		case classify.BucketLateFees:
			remaining -= plan.take(bucket, ledger.AccountLateFeeIncome, remaining, t.LateFeeCents)
		case classify.BucketInterest:
			remaining -= plan.take(bucket, ledger.AccountInterestIncome, remaining, t.InterestCents)
		case classify.BucketPrincipal:
			remaining -= plan.take(bucket, ledger.AccountPrincipalReceivable, remaining, t.PrincipalCents)
		case classify.BucketEscrow:
			remaining -= plan.takeEscrow(remaining, t.Escrow)
		case classify.BucketRecovery:
			remaining -= plan.take(bucket, ledger.AccountRecovery, remaining, remaining)
		case classify.BucketSuspense:
			remaining -= plan.take(bucket, ledger.AccountSuspense, remaining, remaining)
		}
	}

	plan.UnappliedCents = remaining
	return plan
}

// BuildEscrowOnly allocates an escrow-only payment: shortages first, then
// current dues; principal and interest are never touched.
func BuildEscrowOnly(amountCents int64, accounts []escrow.Account) Plan {
	var plan Plan
	remaining := amountCents
	remaining -= plan.takeEscrow(remaining, accounts)
	plan.UnappliedCents = remaining
	return plan
}

func (p *Plan) take(bucket string, account ledger.Account, remaining, target int64) int64 {
	amount := min(remaining, target)
	if amount <= 0 {
		return 0
	}
	p.Lines = append(p.Lines, Line{Bucket: bucket, Account: account, AmountCents: amount})
	return amount
}

// takeEscrow fills category shortages first, then monthly dues, both in the
// fixed category order. One line per category carries the combined share.
func (p *Plan) takeEscrow(remaining int64, accounts []escrow.Account) int64 {
	if remaining <= 0 || len(accounts) == 0 {
		return 0
	}

	shortages := escrow.Split(accounts, remaining, true)
	var shortageTotal int64
	for _, v := range shortages {
		shortageTotal += v
	}

	dues := escrow.Split(accounts, remaining-shortageTotal, false)

	var taken int64
	for _, cat := range escrow.Categories {
		amount := shortages[cat] + dues[cat]
		if amount <= 0 {
			continue
		}
		p.Lines = append(p.Lines, Line{
			Bucket:      classify.BucketEscrow,
			Account:     escrow.LedgerAccount(cat),
			Category:    cat,
			AmountCents: amount,
		})
		taken += amount
	}
	return taken
}
