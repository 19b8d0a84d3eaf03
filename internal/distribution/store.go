package distribution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loanserve/engine/internal/postgres"
)

// Distribution row statuses.
const (
	StatusCalculated      = "calculated"
	StatusPosted          = "posted"
	StatusClawbackPending = "clawback_pending"
)

// StoredRow is one payment_distributions row.
type StoredRow struct {
	ID                string
	PaymentID         string
	InvestorID        string
	AmountCents       int64
	ServicingFeeCents int64
	EffectiveDate     time.Time
	Status            string
	ClawbackID        string
}

// InsertPosted writes the calculated rows and flips them to posted in the
// same transaction. The two-step write keeps the status model uniform with
// clawbacks, which do stay pending across transactions. effectiveDate is
// the as-of date the positions were read at; it travels with the row so
// the split stays auditable after positions change.
func InsertPosted(ctx context.Context, q postgres.Querier, paymentID string, effectiveDate time.Time, res Result) error {
	now := time.Now().UTC()
	for _, row := range res.Rows {
		_, err := q.Exec(ctx, `
			INSERT INTO payment_distributions
				(id, payment_id, investor_id, amount_cents, servicing_fee_cents,
				 effective_date, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			uuid.NewString(), paymentID, row.InvestorID, row.AmountCents,
			row.ServicingFeeCents, effectiveDate, StatusCalculated, now)
		if err != nil {
			return fmt.Errorf("distribution: insert row for %s/%s: %w", paymentID, row.InvestorID, err)
		}
	}

	_, err := q.Exec(ctx, `
		UPDATE payment_distributions SET status = $2
		WHERE payment_id = $1 AND status = $3`,
		paymentID, StatusPosted, StatusCalculated)
	if err != nil {
		return fmt.Errorf("distribution: post rows for %s: %w", paymentID, err)
	}
	return nil
}

// PostedRows loads the posted distribution rows for a payment.
func PostedRows(ctx context.Context, q postgres.Querier, paymentID string) ([]StoredRow, error) {
	rows, err := q.Query(ctx, `
		SELECT id, payment_id, investor_id, amount_cents, servicing_fee_cents,
		       effective_date, status, COALESCE(clawback_id, '')
		FROM payment_distributions
		WHERE payment_id = $1 AND status = $2
		ORDER BY investor_id`,
		paymentID, StatusPosted)
	if err != nil {
		return nil, fmt.Errorf("distribution: load rows for %s: %w", paymentID, err)
	}
	defer rows.Close()

	var out []StoredRow
	for rows.Next() {
		var r StoredRow
		if err := rows.Scan(&r.ID, &r.PaymentID, &r.InvestorID, &r.AmountCents,
			&r.ServicingFeeCents, &r.EffectiveDate, &r.Status, &r.ClawbackID); err != nil {
			return nil, fmt.Errorf("distribution: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertClawback writes a negative mirror of every posted row, linked by a
// shared clawback id. Returns the clawback id and how many rows it covers.
func InsertClawback(ctx context.Context, q postgres.Querier, paymentID string) (string, int, error) {
	posted, err := PostedRows(ctx, q, paymentID)
	if err != nil {
		return "", 0, err
	}
	if len(posted) == 0 {
		return "", 0, nil
	}

	clawbackID := uuid.NewString()
	now := time.Now().UTC()
	for _, row := range posted {
		_, err := q.Exec(ctx, `
			INSERT INTO payment_distributions
				(id, payment_id, investor_id, amount_cents, servicing_fee_cents,
				 effective_date, status, clawback_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			uuid.NewString(), paymentID, row.InvestorID, -row.AmountCents,
			-row.ServicingFeeCents, row.EffectiveDate, StatusClawbackPending, clawbackID, now)
		if err != nil {
			return "", 0, fmt.Errorf("distribution: clawback row for %s/%s: %w",
				paymentID, row.InvestorID, err)
		}
	}
	return clawbackID, len(posted), nil
}
