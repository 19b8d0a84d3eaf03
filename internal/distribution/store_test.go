package distribution

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore captures payment_distributions writes and serves PostedRows
// from a canned set.
type fakeStore struct {
	posted  []StoredRow
	inserts [][]any
}

func (f *fakeStore) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "INSERT INTO payment_distributions") {
		f.inserts = append(f.inserts, args)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeStore) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{rows: f.posted}, nil
}

func (f *fakeStore) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

type fakeRows struct {
	rows []StoredRow
	i    int
}

func (r *fakeRows) Next() bool {
	if r.i >= len(r.rows) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.i-1]
	*dest[0].(*string) = row.ID
	*dest[1].(*string) = row.PaymentID
	*dest[2].(*string) = row.InvestorID
	*dest[3].(*int64) = row.AmountCents
	*dest[4].(*int64) = row.ServicingFeeCents
	*dest[5].(*time.Time) = row.EffectiveDate
	*dest[6].(*string) = row.Status
	*dest[7].(*string) = row.ClawbackID
	return nil
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func TestInsertPostedCarriesEffectiveDate(t *testing.T) {
	store := &fakeStore{}
	eff := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	res := Result{Rows: []Row{
		{InvestorID: "inv-a", AmountCents: 6000, ServicingFeeCents: 15},
		{InvestorID: "inv-b", AmountCents: 4000, ServicingFeeCents: 10},
	}}

	require.NoError(t, InsertPosted(context.Background(), store, "pay-1", eff, res))

	require.Len(t, store.inserts, 2)
	for _, args := range store.inserts {
		assert.Equal(t, "pay-1", args[1])
		assert.Equal(t, eff, args[5], "row must record the as-of date the split used")
		assert.Equal(t, StatusCalculated, args[6])
	}
}

func TestInsertClawbackMirrorsEffectiveDate(t *testing.T) {
	eff := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{posted: []StoredRow{
		{ID: "d1", PaymentID: "pay-1", InvestorID: "inv-a", AmountCents: 6000,
			ServicingFeeCents: 15, EffectiveDate: eff, Status: StatusPosted},
		{ID: "d2", PaymentID: "pay-1", InvestorID: "inv-b", AmountCents: 4000,
			ServicingFeeCents: 10, EffectiveDate: eff, Status: StatusPosted},
	}}

	clawbackID, n, err := InsertClawback(context.Background(), store, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NotEmpty(t, clawbackID)

	require.Len(t, store.inserts, 2)
	for i, args := range store.inserts {
		assert.Equal(t, -store.posted[i].AmountCents, args[3], "mirror negates the amount")
		assert.Equal(t, -store.posted[i].ServicingFeeCents, args[4], "mirror negates the fee")
		assert.Equal(t, eff, args[5], "mirror keeps the original as-of date")
		assert.Equal(t, StatusClawbackPending, args[6])
		assert.Equal(t, clawbackID, args[7], "rows share one clawback id")
	}
}

func TestInsertClawbackNothingPosted(t *testing.T) {
	store := &fakeStore{}
	id, n, err := InsertClawback(context.Background(), store, "pay-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, id)
	assert.Empty(t, store.inserts)
}
