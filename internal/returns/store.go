package returns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loanserve/engine/internal/postgres"
)

// RecordReturn logs the return against the payment and reports how many
// returns this payment has now seen, counting this one. The count drives
// NSF escalation.
func RecordReturn(ctx context.Context, q postgres.Querier, paymentID, kind, code, reason string) (int, error) {
	_, err := q.Exec(ctx, `
		INSERT INTO payment_returns (id, payment_id, kind, code, reason, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.NewString(), paymentID, kind, code, reason, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("returns: record %s/%s: %w", paymentID, code, err)
	}

	var n int
	err = q.QueryRow(ctx,
		`SELECT count(*) FROM payment_returns WHERE payment_id = $1`, paymentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("returns: count for %s: %w", paymentID, err)
	}
	return n, nil
}

// WindowClosed reports whether the payment's ACH return window already
// passed. Late returns still process, but the case flags them.
func WindowClosed(ctx context.Context, q postgres.Querier, paymentID string, now time.Time) (bool, error) {
	var closesAt time.Time
	err := q.QueryRow(ctx,
		`SELECT closes_at FROM ach_return_windows WHERE payment_id = $1`, paymentID).Scan(&closesAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// no window row means no window to miss
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("returns: window for %s: %w", paymentID, err)
	}
	return now.After(closesAt), nil
}

// BanMethod blacklists a tokenized payment method. Tokens come from
// pii.Tokenize over the routing/account pair, so the raw identifiers never
// land in this table.
func BanMethod(ctx context.Context, q postgres.Querier, token, kind, code string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO banned_payment_methods (method_token, kind, return_code, banned_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (method_token) DO NOTHING`,
		token, kind, code, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("returns: ban method: %w", err)
	}
	return nil
}

// IsBanned checks a method token against the blacklist. Validation calls
// this on ACH intake.
func IsBanned(ctx context.Context, q postgres.Querier, token string) (bool, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM banned_payment_methods WHERE method_token = $1`, token).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("returns: ban lookup: %w", err)
	}
	return n > 0, nil
}
