package eventchain

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, paymentID string, n int) []Event {
	t.Helper()

	prev := Genesis(paymentID)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		data := json.RawMessage(fmt.Sprintf(`{"step":%d,"amount_cents":35000}`, i))
		ts := base.Add(time.Duration(i) * time.Second)
		hash, err := Hash(prev, data, "corr-1", ts)
		require.NoError(t, err)

		events = append(events, Event{
			EventID:       fmt.Sprintf("evt-%d", i),
			PaymentID:     paymentID,
			Type:          "payment.test",
			Data:          data,
			CorrelationID: "corr-1",
			PrevEventHash: prev,
			EventHash:     hash,
			CreatedAt:     ts,
		})
		prev = hash
	}
	return events
}

func TestGenesisIsPerPayment(t *testing.T) {
	assert.NotEqual(t, Genesis("pay-1"), Genesis("pay-2"))
	assert.Equal(t, Genesis("pay-1"), Genesis("pay-1"))
	assert.Len(t, Genesis("pay-1"), 64)
}

func TestHashIgnoresKeyOrder(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	a, err := Hash("prev", json.RawMessage(`{"a":1,"b":2}`), "c", ts)
	require.NoError(t, err)
	b, err := Hash("prev", json.RawMessage(`{"b":2,"a":1}`), "c", ts)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Hash("prev", json.RawMessage(`{"a":1,"b":3}`), "c", ts)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestVerifyIntactChain(t *testing.T) {
	events := buildChain(t, "pay-1", 5)
	idx, err := Verify("pay-1", events)
	assert.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestVerifyEmptyChain(t *testing.T) {
	idx, err := Verify("pay-1", nil)
	assert.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestVerifyLocalizesTampering(t *testing.T) {
	events := buildChain(t, "pay-1", 6)

	// mutate the payload of event 3 without recomputing downstream hashes
	events[3].Data = json.RawMessage(`{"step":3,"amount_cents":99999}`)

	idx, err := Verify("pay-1", events)
	assert.ErrorIs(t, err, ErrBrokenLink)
	assert.Equal(t, 3, idx)
}

func TestVerifyDetectsSplicedPrevPointer(t *testing.T) {
	events := buildChain(t, "pay-1", 4)
	events[2].PrevEventHash = Genesis("pay-1") // splice back to genesis

	idx, err := Verify("pay-1", events)
	assert.ErrorIs(t, err, ErrBrokenLink)
	assert.Equal(t, 2, idx)
}

func TestVerifyDetectsWrongGenesis(t *testing.T) {
	events := buildChain(t, "pay-1", 3)

	idx, err := Verify("pay-other", events)
	assert.ErrorIs(t, err, ErrBadGenesis)
	assert.Equal(t, 0, idx)
}
