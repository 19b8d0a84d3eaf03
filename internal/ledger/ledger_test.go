package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func TestPairIsBalanced(t *testing.T) {
	entries, err := Pair("loan-1", "pay-1", AccountInterestIncome, 10000, day)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, AccountCash, entries[0].Account)
	assert.Equal(t, int64(10000), entries[0].DebitCents)
	assert.Equal(t, int64(0), entries[0].CreditCents)

	assert.Equal(t, AccountInterestIncome, entries[1].Account)
	assert.Equal(t, int64(10000), entries[1].CreditCents)

	assert.True(t, entries[0].Pending)
	assert.NoError(t, CheckBalanced(entries))
}

func TestPairRejectsBadInput(t *testing.T) {
	_, err := Pair("loan-1", "pay-1", AccountInterestIncome, -5, day)
	assert.ErrorIs(t, err, ErrNegativeCents)

	_, err = Pair("loan-1", "pay-1", Account("slush_fund"), 100, day)
	assert.ErrorIs(t, err, ErrUnknownAcct)
}

func TestCheckBalanced(t *testing.T) {
	entries := []Entry{
		{Account: AccountCash, DebitCents: 300},
		{Account: AccountInterestIncome, CreditCents: 100},
		{Account: AccountPrincipalReceivable, CreditCents: 200},
	}
	assert.NoError(t, CheckBalanced(entries))

	entries[2].CreditCents = 150
	assert.ErrorIs(t, CheckBalanced(entries), ErrUnbalanced)
}

func TestMirrorSwapsSides(t *testing.T) {
	originals := []Entry{
		{EntryID: 7, LoanID: "loan-1", PaymentID: "pay-1", Account: AccountCash, DebitCents: 150000, EffectiveDate: day},
		{EntryID: 8, LoanID: "loan-1", PaymentID: "pay-1", Account: AccountInterestIncome, CreditCents: 50000, EffectiveDate: day},
		{EntryID: 9, LoanID: "loan-1", PaymentID: "pay-1", Account: AccountPrincipalReceivable, CreditCents: 100000, EffectiveDate: day},
	}

	later := day.AddDate(0, 0, 3)
	mirrors := Mirror(originals, later)
	require.Len(t, mirrors, 3)

	assert.Equal(t, int64(150000), mirrors[0].CreditCents)
	assert.Equal(t, int64(0), mirrors[0].DebitCents)
	assert.Equal(t, int64(7), mirrors[0].ReversalOf)
	assert.Equal(t, int64(50000), mirrors[1].DebitCents)
	assert.Equal(t, later, mirrors[1].EffectiveDate)

	// originals + mirrors net to zero per account
	net := CreditsByAccount(append(originals, mirrors...))
	for acct, cents := range net {
		assert.Zero(t, cents, "account %s should net to zero", acct)
	}
}

func TestCreditsByAccount(t *testing.T) {
	entries := []Entry{
		{Account: AccountCash, DebitCents: 35000},
		{Account: AccountInterestIncome, CreditCents: 10000},
		{Account: AccountPrincipalReceivable, CreditCents: 20000},
		{Account: AccountEscrowTax, CreditCents: 5000},
	}
	got := CreditsByAccount(entries)

	assert.Equal(t, int64(10000), got[AccountInterestIncome])
	assert.Equal(t, int64(20000), got[AccountPrincipalReceivable])
	assert.Equal(t, int64(5000), got[AccountEscrowTax])
	_, hasCash := got[AccountCash]
	assert.False(t, hasCash)
}
