package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/loanserve/engine/internal/postgres"
)

// CreateReturnWindow records the period during which an ACH entry can come
// back. The reversal saga consults it when pricing retry decisions.
func CreateReturnWindow(ctx context.Context, q postgres.Querier, paymentID, secCode string, days int, now time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO ach_return_windows (payment_id, sec_code, window_days, opens_at, closes_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (payment_id) DO NOTHING`,
		paymentID, secCode, days, now, now.AddDate(0, 0, days))
	if err != nil {
		return fmt.Errorf("validation: create return window for %s: %w", paymentID, err)
	}
	return nil
}
