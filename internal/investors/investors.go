// Package investors tracks the versioned pro-rata positions a loan's
// payments are distributed across. Positions are append-only versions; the
// effective set for a date is the latest version at or before it, and an
// active version's shares always sum to exactly 10000 bps.
package investors

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrBadShareSum = errors.New("investors: position shares must sum to 10000 bps")
	ErrNoPositions = errors.New("investors: no effective positions")
)

// Position is one investor's share of a loan as of a version date.
type Position struct {
	LoanID        string    `json:"loan_id"`
	InvestorID    string    `json:"investor_id"`
	PctBps        int64     `json:"pct_bps"`
	EffectiveFrom time.Time `json:"effective_from"`
}

// EffectiveSet selects, per investor, the latest position with
// effective_from <= asOf, then drops investors whose latest share is zero.
// The result is sorted by investor id for deterministic downstream math.
func EffectiveSet(positions []Position, asOf time.Time) []Position {
	latest := make(map[string]Position)
	for _, p := range positions {
		if p.EffectiveFrom.After(asOf) {
			continue
		}
		cur, ok := latest[p.InvestorID]
		if !ok || p.EffectiveFrom.After(cur.EffectiveFrom) {
			latest[p.InvestorID] = p
		}
	}

	out := make([]Position, 0, len(latest))
	for _, p := range latest {
		if p.PctBps > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvestorID < out[j].InvestorID })
	return out
}

// Validate enforces the share-sum invariant for an effective set.
func Validate(positions []Position) error {
	if len(positions) == 0 {
		return ErrNoPositions
	}
	var sum int64
	for _, p := range positions {
		sum += p.PctBps
	}
	if sum != 10000 {
		return fmt.Errorf("%w: got %d", ErrBadShareSum, sum)
	}
	return nil
}
