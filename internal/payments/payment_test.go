package payments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateMachineEdges(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateReceived, StateValidated},
		{StateReceived, StateRejected},
		{StateValidated, StatePosted},
		{StatePosted, StateProcessing},
		{StateProcessing, StateSettled},
		{StateSettled, StateReturned},
		{StateReturned, StateReversed},
	}
	for _, e := range allowed {
		assert.True(t, CanTransition(e.from, e.to), "%s -> %s should be allowed", e.from, e.to)
	}

	denied := []struct{ from, to State }{
		{StateReceived, StatePosted},
		{StateValidated, StateSettled},
		{StateRejected, StateValidated},
		{StateSettled, StateReversed},
		{StateReversed, StateReturned},
		{StateClosed, StateReceived},
		{StateSettled, StateSettled},
	}
	for _, e := range denied {
		assert.False(t, CanTransition(e.from, e.to), "%s -> %s should be refused", e.from, e.to)
		assert.ErrorIs(t, CheckTransition(e.from, e.to), ErrBadTransition)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, Terminal(StateRejected))
	assert.True(t, Terminal(StateReversed))
	assert.True(t, Terminal(StateClosed))

	// settled can still be pulled back by a return
	assert.False(t, Terminal(StateSettled))
	assert.False(t, Terminal(StateReceived))
}

func TestKnownSource(t *testing.T) {
	for _, s := range []Source{SourceACH, SourceWire, SourceCheck, SourceLockbox, SourceCard, SourceCashier, SourceMoneyOrder} {
		assert.True(t, KnownSource(s))
	}
	assert.False(t, KnownSource(Source("venmo")))
}

func TestKeyDerivationIsDeterministic(t *testing.T) {
	date := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "ach:123456789012345:2026-03-14:150000", ACHKey(" 123456789012345 ", date, 150000))
	assert.Equal(t, ACHKey("t", date, 100), ACHKey("t", date, 100))
	assert.NotEqual(t, ACHKey("t", date, 100), ACHKey("t", date, 101))

	assert.Equal(t, "wire:FW20260314XYZ:250000", WireKey("FW20260314XYZ", 250000))
	assert.Equal(t, "check:1234:X:20000", CheckKey(SourceCheck, "1234", "X", 20000))
	assert.Equal(t, "lockbox:1234:X:20000", CheckKey(SourceLockbox, "1234", "X", 20000))
	assert.Equal(t, "card:txn-77", CardKey("txn-77"))
	assert.Equal(t, "money_order:MO-9:5000", InstrumentKey(SourceMoneyOrder, "MO-9", 5000))
}
