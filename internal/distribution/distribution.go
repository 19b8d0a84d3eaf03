// Package distribution splits posted principal and interest across the
// effective investor positions, nets out the servicing fee, and rounds with
// the largest-remainder method so every cent lands exactly once.
package distribution

import (
	"sort"

	"github.com/loanserve/engine/internal/investors"
)

// Row is one investor's cut of a payment.
type Row struct {
	InvestorID        string `json:"investor_id"`
	AmountCents       int64  `json:"amount_cents"`
	ServicingFeeCents int64  `json:"servicing_fee_cents"`
}

// Result is a complete distribution calculation.
type Result struct {
	InterestCents         int64 `json:"interest_cents"`
	PrincipalCents        int64 `json:"principal_cents"`
	ServicingFeeTotal     int64 `json:"servicing_fee_total"`
	DistributableAfterFee int64 `json:"distributable_after_fee"`
	Rows                  []Row `json:"rows"`
}

// ServicingFee is floor(interest · bps / 10000). The fee is taken from
// interest only; principal passes through untouched.
func ServicingFee(interestCents int64, bps int) int64 {
	return interestCents * int64(bps) / 10000
}

// Calculate splits interest+principal across positions. Positions must be a
// validated effective set (Σ pct_bps = 10000, sorted by investor_id); the
// amount split and the fee split are rounded independently.
func Calculate(interestCents, principalCents int64, positions []investors.Position, servicingBps int) Result {
	fee := ServicingFee(interestCents, servicingBps)
	distributable := interestCents + principalCents - fee

	amounts := largestRemainder(distributable, positions)
	fees := largestRemainder(fee, positions)

	rows := make([]Row, len(positions))
	for i, pos := range positions {
		rows[i] = Row{
			InvestorID:        pos.InvestorID,
			AmountCents:       amounts[i],
			ServicingFeeCents: fees[i],
		}
	}

	return Result{
		InterestCents:         interestCents,
		PrincipalCents:        principalCents,
		ServicingFeeTotal:     fee,
		DistributableAfterFee: distributable,
		Rows:                  rows,
	}
}

// largestRemainder allocates total across positions proportionally to
// pct_bps: floor every share, then hand the leftover cents to the largest
// fractional remainders. Ties fall back to investor_id order, which the
// input already carries, so the split is deterministic.
func largestRemainder(total int64, positions []investors.Position) []int64 {
	amounts := make([]int64, len(positions))
	if total <= 0 || len(positions) == 0 {
		return amounts
	}

	type rem struct {
		idx       int
		remainder int64
	}
	rems := make([]rem, len(positions))

	var allocated int64
	for i, pos := range positions {
		exact := total * pos.PctBps
		amounts[i] = exact / 10000
		rems[i] = rem{idx: i, remainder: exact % 10000}
		allocated += amounts[i]
	}

	sort.SliceStable(rems, func(a, b int) bool {
		return rems[a].remainder > rems[b].remainder
	})

	shortfall := total - allocated
	for i := int64(0); i < shortfall; i++ {
		amounts[rems[i%int64(len(rems))].idx]++
	}
	return amounts
}
