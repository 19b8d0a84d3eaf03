// Package idempotency guarantees exactly-once effect for at-least-once
// delivery. A handler claims its (handler_name, idempotency_key) pair in
// the same transaction that performs its writes; redelivered messages then
// short-circuit on the completed record.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loanserve/engine/internal/postgres"
)

// ResultState is the lifecycle of an idempotency record.
const (
	StateInFlight = "in_flight"
	StateDone     = "done"
)

// ErrInFlight means another worker currently owns the key. The consumer
// framework maps this to a retry so the broker redelivers after the owner
// commits or rolls back.
var ErrInFlight = errors.New("idempotency: key is in flight")

// Claim reserves (handler, key) inside the caller's transaction.
// Returns done=true when a previous run already completed; the caller
// short-circuits and treats the delivery as a success.
func Claim(ctx context.Context, q postgres.Querier, handler, key string) (done bool, err error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO idempotency_records (handler_name, idempotency_key, result_state, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (handler_name, idempotency_key) DO NOTHING`,
		handler, key, StateInFlight, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("idempotency: claim %s/%s: %w", handler, key, err)
	}
	if tag.RowsAffected() == 1 {
		return false, nil // fresh claim
	}

	var state string
	err = q.QueryRow(ctx, `
		SELECT result_state FROM idempotency_records
		WHERE handler_name = $1 AND idempotency_key = $2`,
		handler, key).Scan(&state)
	if err != nil {
		return false, fmt.Errorf("idempotency: read %s/%s: %w", handler, key, err)
	}

	if state == StateDone {
		return true, nil
	}
	return false, ErrInFlight
}

// Complete marks the claim done. Runs in the same transaction as the
// handler's writes so the record and the effects commit together.
func Complete(ctx context.Context, q postgres.Querier, handler, key string) error {
	_, err := q.Exec(ctx, `
		UPDATE idempotency_records SET result_state = $3
		WHERE handler_name = $1 AND idempotency_key = $2`,
		handler, key, StateDone)
	if err != nil {
		return fmt.Errorf("idempotency: complete %s/%s: %w", handler, key, err)
	}
	return nil
}

// Release drops the claim so a later delivery of the same key runs the
// handler again. For handlers that commit bookkeeping about a failure —
// a paused saga step, say — without having done the step's work; leaving
// the claim in place would short-circuit the re-injected message.
func Release(ctx context.Context, q postgres.Querier, handler, key string) error {
	_, err := q.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE handler_name = $1 AND idempotency_key = $2`,
		handler, key)
	if err != nil {
		return fmt.Errorf("idempotency: release %s/%s: %w", handler, key, err)
	}
	return nil
}

// Run wraps fn with claim/complete in one transaction. A completed prior
// run returns nil without invoking fn; an in-flight claim returns
// ErrInFlight. An empty key runs fn without dedup.
func Run(ctx context.Context, pool *pgxpool.Pool, handler, key string, fn func(tx pgx.Tx) error) error {
	return postgres.InTx(ctx, pool, func(tx pgx.Tx) error {
		if key != "" {
			done, err := Claim(ctx, tx, handler, key)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		if err := fn(tx); err != nil {
			return err
		}
		if key != "" {
			return Complete(ctx, tx, handler, key)
		}
		return nil
	})
}
