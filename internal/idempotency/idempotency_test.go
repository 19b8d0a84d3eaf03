package idempotency

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore backs idempotency_records with a map keyed handler|key.
type fakeStore struct {
	states map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string]string{}}
}

func (f *fakeStore) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	k := args[0].(string) + "|" + args[1].(string)
	switch {
	case strings.Contains(sql, "INSERT INTO idempotency_records"):
		if _, ok := f.states[k]; ok {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		f.states[k] = args[2].(string)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "UPDATE idempotency_records"):
		if _, ok := f.states[k]; !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		f.states[k] = args[2].(string)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "DELETE FROM idempotency_records"):
		delete(f.states, k)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected sql: " + sql)
}

func (f *fakeStore) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	state, ok := f.states[args[0].(string)+"|"+args[1].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{val: state}
}

func (f *fakeStore) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("idempotency store does not query rowsets")
}

type fakeRow struct {
	val string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.val
	return nil
}

func TestClaimFreshThenComplete(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore()

	done, err := Claim(ctx, s, "h", "k")
	require.NoError(t, err)
	assert.False(t, done, "first claim runs the handler")

	require.NoError(t, Complete(ctx, s, "h", "k"))

	done, err = Claim(ctx, s, "h", "k")
	require.NoError(t, err)
	assert.True(t, done, "completed claim short-circuits redelivery")
}

func TestClaimInFlight(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore()

	done, err := Claim(ctx, s, "h", "k")
	require.NoError(t, err)
	require.False(t, done)

	_, err = Claim(ctx, s, "h", "k")
	assert.ErrorIs(t, err, ErrInFlight)
}

func TestClaimsScopedPerHandler(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore()

	_, err := Claim(ctx, s, "validate", "k")
	require.NoError(t, err)

	done, err := Claim(ctx, s, "classify", "k")
	require.NoError(t, err)
	assert.False(t, done, "another handler's claim does not collide")
}

func TestReleaseReopensClaim(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore()

	done, err := Claim(ctx, s, "h", "k")
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, Release(ctx, s, "h", "k"))

	done, err = Claim(ctx, s, "h", "k")
	require.NoError(t, err, "released claim must not read as in flight")
	assert.False(t, done, "released claim runs the handler again, not short-circuits")
}
