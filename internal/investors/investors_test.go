package investors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEffectiveSetPicksLatestVersionPerInvestor(t *testing.T) {
	positions := []Position{
		{InvestorID: "inv-a", PctBps: 5000, EffectiveFrom: date(2025, 1, 1)},
		{InvestorID: "inv-b", PctBps: 5000, EffectiveFrom: date(2025, 1, 1)},
		// later version shifts 20% from b to a
		{InvestorID: "inv-a", PctBps: 7000, EffectiveFrom: date(2026, 1, 1)},
		{InvestorID: "inv-b", PctBps: 3000, EffectiveFrom: date(2026, 1, 1)},
	}

	before := EffectiveSet(positions, date(2025, 6, 1))
	require.Len(t, before, 2)
	assert.Equal(t, int64(5000), before[0].PctBps)

	after := EffectiveSet(positions, date(2026, 6, 1))
	require.Len(t, after, 2)
	assert.Equal(t, "inv-a", after[0].InvestorID)
	assert.Equal(t, int64(7000), after[0].PctBps)
	assert.Equal(t, int64(3000), after[1].PctBps)
}

func TestEffectiveSetDropsZeroedInvestors(t *testing.T) {
	positions := []Position{
		{InvestorID: "inv-a", PctBps: 6000, EffectiveFrom: date(2025, 1, 1)},
		{InvestorID: "inv-b", PctBps: 4000, EffectiveFrom: date(2025, 1, 1)},
		// b bought out
		{InvestorID: "inv-a", PctBps: 10000, EffectiveFrom: date(2026, 1, 1)},
		{InvestorID: "inv-b", PctBps: 0, EffectiveFrom: date(2026, 1, 1)},
	}

	set := EffectiveSet(positions, date(2026, 2, 1))
	require.Len(t, set, 1)
	assert.Equal(t, "inv-a", set[0].InvestorID)
	assert.NoError(t, Validate(set))
}

func TestEffectiveSetIgnoresFutureVersions(t *testing.T) {
	positions := []Position{
		{InvestorID: "inv-a", PctBps: 10000, EffectiveFrom: date(2025, 1, 1)},
		{InvestorID: "inv-a", PctBps: 2000, EffectiveFrom: date(2027, 1, 1)},
	}
	set := EffectiveSet(positions, date(2026, 8, 26))
	require.Len(t, set, 1)
	assert.Equal(t, int64(10000), set[0].PctBps)
}

func TestEffectiveSetIsSorted(t *testing.T) {
	positions := []Position{
		{InvestorID: "inv-c", PctBps: 3333, EffectiveFrom: date(2025, 1, 1)},
		{InvestorID: "inv-a", PctBps: 3334, EffectiveFrom: date(2025, 1, 1)},
		{InvestorID: "inv-b", PctBps: 3333, EffectiveFrom: date(2025, 1, 1)},
	}
	set := EffectiveSet(positions, date(2026, 1, 1))
	require.Len(t, set, 3)
	assert.Equal(t, "inv-a", set[0].InvestorID)
	assert.Equal(t, "inv-b", set[1].InvestorID)
	assert.Equal(t, "inv-c", set[2].InvestorID)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(nil), ErrNoPositions)

	bad := []Position{{InvestorID: "inv-a", PctBps: 9999}}
	assert.ErrorIs(t, Validate(bad), ErrBadShareSum)

	good := []Position{
		{InvestorID: "inv-a", PctBps: 2500},
		{InvestorID: "inv-b", PctBps: 7500},
	}
	assert.NoError(t, Validate(good))
}
