package allocation

import (
	"context"
	"fmt"

	"github.com/loanserve/engine/internal/postgres"
)

// Rule is one row of allocation_rules. Loan-specific rule sets shadow the
// DEFAULT set completely; they are never merged.
type Rule struct {
	LoanID   string
	Priority int
	Bucket   string
	Enabled  bool
}

// RulesForLoan loads the enabled waterfall for a loan, preferring
// loan-specific rules over DEFAULT. Returns nil when neither exists; the
// caller falls back to the policy's frozen waterfall.
func RulesForLoan(ctx context.Context, q postgres.Querier, loanID string) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT loan_id, priority, bucket
		FROM allocation_rules
		WHERE loan_id IN ($1, 'DEFAULT') AND enabled
		ORDER BY (loan_id = 'DEFAULT'), priority`,
		loanID)
	if err != nil {
		return nil, fmt.Errorf("allocation: load rules for %s: %w", loanID, err)
	}
	defer rows.Close()

	var waterfall []string
	var sawSpecific bool
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.LoanID, &r.Priority, &r.Bucket); err != nil {
			return nil, fmt.Errorf("allocation: scan rule: %w", err)
		}
		if r.LoanID == loanID {
			if !sawSpecific {
				// first loan-specific row: discard any DEFAULT rows collected
				waterfall = waterfall[:0]
				sawSpecific = true
			}
			waterfall = append(waterfall, r.Bucket)
		} else if !sawSpecific {
			waterfall = append(waterfall, r.Bucket)
		}
	}
	return waterfall, rows.Err()
}
