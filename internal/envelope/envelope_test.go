package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory() *Factory {
	f := NewFactory("payment-engine@0.0.0-test", "tenant-1")
	f.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }
	return f
}

func TestNewEnvelope(t *testing.T) {
	f := newTestFactory()

	e, err := f.New("loanserve.payment.v1.received", map[string]string{"payment_id": "p-1"}, Options{
		IdempotencyKey: "ach:123456789:2026-03-14:150000",
	})
	require.NoError(t, err)

	assert.Equal(t, "loanserve.payment.v1.received", e.Schema)
	assert.NotEmpty(t, e.MessageID)
	assert.NotEmpty(t, e.CorrelationID)
	assert.Empty(t, e.CausationID)
	assert.Equal(t, "ach:123456789:2026-03-14:150000", e.IdempotencyKey)
	assert.Equal(t, "payment-engine@0.0.0-test", e.Producer)
	assert.Equal(t, Version, e.Version)
	assert.Equal(t, "tenant-1", e.TenantID)
	assert.Equal(t, time.UTC, e.OccurredAt.Location())
}

func TestMessageIDsAreSortable(t *testing.T) {
	f := newTestFactory()

	var prev string
	for i := 0; i < 50; i++ {
		e, err := f.New("loanserve.test.v1.tick", struct{}{}, Options{})
		require.NoError(t, err)
		if prev != "" {
			// UUIDv7 ids embed a millisecond timestamp prefix; within a run
			// they must never sort backwards.
			assert.LessOrEqual(t, prev, e.MessageID)
		}
		prev = e.MessageID
	}
}

func TestReplyInheritsLineage(t *testing.T) {
	f := newTestFactory()

	parent, err := f.New("loanserve.payment.v1.received", struct{}{}, Options{TraceID: "tr-9"})
	require.NoError(t, err)

	child, err := f.Reply(parent, "loanserve.payment.v1.validated", struct{}{})
	require.NoError(t, err)

	assert.Equal(t, parent.CorrelationID, child.CorrelationID)
	assert.Equal(t, parent.MessageID, child.CausationID)
	assert.Equal(t, "tr-9", child.TraceID)
	assert.NotEqual(t, parent.MessageID, child.MessageID)
}

func TestBatchSharesCorrelation(t *testing.T) {
	f := newTestFactory()

	items := []any{
		map[string]string{"loan_id": "l-1"},
		map[string]string{"loan_id": "l-2"},
		map[string]string{"loan_id": "l-3"},
	}
	envs, err := f.Batch("loanserve.statement.v1.requested", items, Options{})
	require.NoError(t, err)
	require.Len(t, envs, 3)

	for _, e := range envs[1:] {
		assert.Equal(t, envs[0].CorrelationID, e.CorrelationID)
	}
}

func TestParseRoundTrip(t *testing.T) {
	f := newTestFactory()

	e, err := f.New("loanserve.payment.v1.posted", map[string]int64{"amount_cents": 35000}, Options{})
	require.NoError(t, err)

	raw, err := e.JSON()
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, e.MessageID, got.MessageID)
	assert.Equal(t, e.Schema, got.Schema)

	var data map[string]int64
	require.NoError(t, got.DecodeData(&data))
	assert.Equal(t, int64(35000), data["amount_cents"])
}

func TestParseRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"no schema", `{"message_id":"m","correlation_id":"c","producer":"p@1"}`, ErrMissingSchema},
		{"no message id", `{"schema":"s","correlation_id":"c","producer":"p@1"}`, ErrMissingMessageID},
		{"no correlation", `{"schema":"s","message_id":"m","producer":"p@1"}`, ErrMissingCorrelationID},
		{"no producer", `{"schema":"s","message_id":"m","correlation_id":"c"}`, ErrMissingProducer},
		{"bad priority", `{"schema":"s","message_id":"m","correlation_id":"c","producer":"p@1","priority":12}`, ErrBadPriority},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRawDataPassesThrough(t *testing.T) {
	f := newTestFactory()

	raw := json.RawMessage(`{"already":"encoded"}`)
	e, err := f.New("loanserve.test.v1.raw", raw, Options{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"already":"encoded"}`, string(e.Data))
}
