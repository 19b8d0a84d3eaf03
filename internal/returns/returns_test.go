package returns

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loanserve/engine/internal/exceptions"
)

func TestACHDispositionRetryable(t *testing.T) {
	for _, code := range []string{"R01", "R09"} {
		d := ACHDisposition(code)
		assert.Equal(t, ActionRetry, d.Action, code)
		assert.False(t, d.BanMethod, code)
	}
}

func TestACHDispositionPermanentBans(t *testing.T) {
	for _, code := range []string{"R02", "R07", "R10", "R16"} {
		assert.True(t, ACHDisposition(code).BanMethod, code)
	}
	assert.False(t, ACHDisposition("R01").BanMethod)
	assert.False(t, ACHDisposition("R05").BanMethod)
}

func TestACHDispositionDisputes(t *testing.T) {
	for _, code := range []string{"R05", "R07", "R10", "R29"} {
		assert.Equal(t, ActionDispute, ACHDisposition(code).Action, code)
	}
}

func TestACHDispositionDefaultReverses(t *testing.T) {
	for _, code := range []string{"R03", "R04", "R20", "R99"} {
		assert.Equal(t, ActionReverse, ACHDisposition(code).Action, code)
	}
}

func TestACHDispositionSeverity(t *testing.T) {
	// administrative returns are critical, disputes high, the rest medium
	assert.Equal(t, exceptions.SeverityCritical, ACHDisposition("R02").Severity)
	assert.Equal(t, exceptions.SeverityHigh, ACHDisposition("R05").Severity)
	assert.Equal(t, exceptions.SeverityMedium, ACHDisposition("R01").Severity)
}

func TestWireDisposition(t *testing.T) {
	cases := []struct {
		reason string
		action Action
	}{
		{"FRAUD", ActionHold},
		{"INCORRECT_AMOUNT", ActionHold},
		{"DUPLICATE", ActionReverse},
		{"INCORRECT_BENEFICIARY", ActionReverse},
		{"CUSTOMER_REQUEST", ActionReverse},
		{"SOMETHING_NEW", ActionHold},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.action, WireDisposition(tc.reason).Action, tc.reason)
	}
	assert.Equal(t, exceptions.SeverityCritical, WireDisposition("FRAUD").Severity)
}

func TestClassifyRoutesByKind(t *testing.T) {
	assert.Equal(t, ActionRetry, Classify(KindACH, "R01").Action)
	assert.Equal(t, ActionHold, Classify(KindWire, "FRAUD").Action)
	// unknown kinds fall through to the ACH table
	assert.Equal(t, ActionReverse, Classify("card", "chargeback").Action)
}

func TestMethodToken(t *testing.T) {
	tok := MethodToken("021000021", "0012345678")
	assert.Len(t, tok, 64)
	assert.Equal(t, tok, MethodToken("021000021", "0012345678"))
	assert.NotEqual(t, tok, MethodToken("021000021", "0012345679"))

	// the separator keeps ambiguous concatenations apart
	assert.NotEqual(t, MethodToken("12", "345"), MethodToken("123", "45"))
}
