// Package locks provides per-loan advisory locking.
//
// Every handler that mutates loan state takes the loan's advisory lock
// before reading balances; the lock is transaction-scoped and released at
// commit, which gives strict per-loan ordering without table locks.
package locks

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/loanserve/engine/internal/postgres"
)

// Key hashes a loan id into the 64-bit advisory lock space.
func Key(loanID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("loan:" + loanID))
	return int64(h.Sum64())
}

// AcquireLoan blocks until the per-loan advisory lock is held. The lock is
// tied to the surrounding transaction and released automatically at commit
// or rollback, so q must be a pgx.Tx.
func AcquireLoan(ctx context.Context, q postgres.Querier, loanID string) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, Key(loanID)); err != nil {
		return fmt.Errorf("locks: acquire loan %s: %w", loanID, err)
	}
	return nil
}
