package investors

import (
	"context"
	"fmt"
	"time"

	"github.com/loanserve/engine/internal/postgres"
)

// PositionsAsOf loads the effective position set for a loan on a date and
// validates the share-sum invariant before returning it.
func PositionsAsOf(ctx context.Context, q postgres.Querier, loanID string, asOf time.Time) ([]Position, error) {
	rows, err := q.Query(ctx, `
		SELECT loan_id, investor_id, pct_bps, effective_from
		FROM investor_positions
		WHERE loan_id = $1 AND effective_from <= $2`, loanID, asOf)
	if err != nil {
		return nil, fmt.Errorf("investors: positions for %s: %w", loanID, err)
	}
	defer rows.Close()

	var all []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.LoanID, &p.InvestorID, &p.PctBps, &p.EffectiveFrom); err != nil {
			return nil, fmt.Errorf("investors: scan position: %w", err)
		}
		all = append(all, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	effective := EffectiveSet(all, asOf)
	if err := Validate(effective); err != nil {
		return nil, fmt.Errorf("investors: loan %s as of %s: %w", loanID, asOf.Format("2006-01-02"), err)
	}
	return effective, nil
}
