package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanserve/engine/internal/config"
	"github.com/loanserve/engine/internal/loans"
)

func servicingDefaults() config.ServicingConfig {
	return config.ServicingConfig{
		CheckStaleDays:      180,
		ACHReturnWindowDays: 5,
		CardMaxAmountCents:  1_000_000,
	}
}

func achIntake() *Intake {
	return &Intake{
		LoanID:        "loan-1",
		Source:        "ach",
		AmountCents:   150_000,
		EffectiveDate: "2026-08-25",
		TraceNumber:   "021000021234567",
		RoutingNumber: "021000021",
		SECCode:       "PPD",
	}
}

func TestDeriveKeyPerSource(t *testing.T) {
	key, rej := DeriveKey(achIntake())
	require.Nil(t, rej)
	assert.Equal(t, "ach:021000021234567:2026-08-25:150000", key)

	key, rej = DeriveKey(&Intake{Source: "wire", AmountCents: 5_000_00, WireRef: "FED123", LoanID: "loan-1", EffectiveDate: "2026-08-25"})
	require.Nil(t, rej)
	assert.Equal(t, "wire:FED123:500000", key)

	key, rej = DeriveKey(&Intake{Source: "check", AmountCents: 90_000, CheckNumber: "1042", PayerAccount: "acct-9", LoanID: "loan-1"})
	require.Nil(t, rej)
	assert.Equal(t, "check:1042:acct-9:90000", key)

	key, rej = DeriveKey(&Intake{Source: "card", AmountCents: 20_000, ProcessorTxnID: "txn_8f2", LoanID: "loan-1"})
	require.Nil(t, rej)
	assert.Equal(t, "card:txn_8f2", key)

	key, rej = DeriveKey(&Intake{Source: "money_order", AmountCents: 30_000, InstrumentSerial: "MO-77", LoanID: "loan-1"})
	require.Nil(t, rej)
	assert.Equal(t, "money_order:MO-77:30000", key)
}

func TestDeriveKeyRejectsMissingMaterial(t *testing.T) {
	cases := []struct {
		name   string
		intake *Intake
		code   string
	}{
		{"unknown source", &Intake{Source: "crypto", AmountCents: 1}, "unknown_source"},
		{"zero amount", &Intake{Source: "ach", AmountCents: 0}, "bad_amount"},
		{"ach no trace", &Intake{Source: "ach", AmountCents: 1, EffectiveDate: "2026-01-01"}, "missing_trace_number"},
		{"ach bad date", &Intake{Source: "ach", AmountCents: 1, TraceNumber: "t", EffectiveDate: "junk"}, "bad_effective_date"},
		{"wire no ref", &Intake{Source: "wire", AmountCents: 1}, "missing_wire_ref"},
		{"check no fields", &Intake{Source: "check", AmountCents: 1}, "missing_check_fields"},
		{"card no txn", &Intake{Source: "card", AmountCents: 1}, "missing_processor_txn"},
		{"cashier no serial", &Intake{Source: "cashier", AmountCents: 1}, "missing_instrument_serial"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, rej := DeriveKey(tc.intake)
			require.NotNil(t, rej)
			assert.Equal(t, tc.code, rej.Code)
		})
	}
}

func TestCheckLoan(t *testing.T) {
	in := achIntake()

	assert.Equal(t, "loan_not_found", CheckLoan(nil, in).Code)

	paidOff := &loans.Loan{LoanID: "loan-1", Status: loans.StatusPaidOff}
	assert.Equal(t, "loan_not_servicable", CheckLoan(paidOff, in).Code)

	strict := &loans.Loan{LoanID: "loan-1", Status: loans.StatusCurrent,
		AcceptPartialPayments: false, ScheduledPaymentCents: 200_000}
	assert.Equal(t, "partial_not_allowed", CheckLoan(strict, in).Code)

	lenient := &loans.Loan{LoanID: "loan-1", Status: loans.StatusCurrent,
		AcceptPartialPayments: true, ScheduledPaymentCents: 200_000}
	assert.Nil(t, CheckLoan(lenient, in))

	fullPayment := &loans.Loan{LoanID: "loan-1", Status: loans.StatusCurrent,
		AcceptPartialPayments: false, ScheduledPaymentCents: 150_000}
	assert.Nil(t, CheckLoan(fullPayment, in))
}

func TestCheckSourceACH(t *testing.T) {
	now := time.Now()
	cfg := servicingDefaults()

	ok := achIntake()
	assert.Nil(t, CheckSource(ok, cfg, now))

	badRouting := achIntake()
	badRouting.RoutingNumber = "12345"
	assert.Equal(t, "bad_routing_number", CheckSource(badRouting, cfg, now).Code)

	alphaRouting := achIntake()
	alphaRouting.RoutingNumber = "02100002a"
	assert.Equal(t, "bad_routing_number", CheckSource(alphaRouting, cfg, now).Code)

	badSEC := achIntake()
	badSEC.SECCode = "ARC"
	assert.Equal(t, "bad_sec_code", CheckSource(badSEC, cfg, now).Code)
}

func TestCheckSourceCheckStaleness(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	cfg := servicingDefaults()

	fresh := &Intake{Source: "check", AmountCents: 1000, CheckNumber: "1", PayerAccount: "a",
		IssueDate: "2026-08-01"}
	assert.Nil(t, CheckSource(fresh, cfg, now))

	boundary := &Intake{Source: "check", AmountCents: 1000, CheckNumber: "1", PayerAccount: "a",
		IssueDate: now.AddDate(0, 0, -180).Format("2006-01-02")}
	assert.Nil(t, CheckSource(boundary, cfg, now))

	stale := &Intake{Source: "check", AmountCents: 1000, CheckNumber: "1", PayerAccount: "a",
		IssueDate: "2025-01-01"}
	assert.Equal(t, "stale_check", CheckSource(stale, cfg, now).Code)

	postdated := &Intake{Source: "check", AmountCents: 1000, CheckNumber: "1", PayerAccount: "a",
		IssueDate: "2026-09-15"}
	assert.Equal(t, "postdated_check", CheckSource(postdated, cfg, now).Code)

	garbage := &Intake{Source: "lockbox", AmountCents: 1000, CheckNumber: "1", PayerAccount: "a",
		IssueDate: "not-a-date"}
	assert.Equal(t, "bad_issue_date", CheckSource(garbage, cfg, now).Code)
}

func TestCheckSourceCardCap(t *testing.T) {
	now := time.Now()
	cfg := servicingDefaults()

	under := &Intake{Source: "card", AmountCents: 1_000_000, ProcessorTxnID: "t"}
	assert.Nil(t, CheckSource(under, cfg, now))

	over := &Intake{Source: "card", AmountCents: 1_000_001, ProcessorTxnID: "t"}
	assert.Equal(t, "card_limit_exceeded", CheckSource(over, cfg, now).Code)
}

func TestCheckSourceAcceptsInstruments(t *testing.T) {
	now := time.Now()
	cfg := servicingDefaults()
	assert.Nil(t, CheckSource(&Intake{Source: "cashier", AmountCents: 1, InstrumentSerial: "s"}, cfg, now))
	assert.Nil(t, CheckSource(&Intake{Source: "money_order", AmountCents: 1, InstrumentSerial: "s"}, cfg, now))
}

func TestReturnWindowDays(t *testing.T) {
	assert.Equal(t, 2, ReturnWindowDays("PPD", 5))
	assert.Equal(t, 2, ReturnWindowDays("CCD", 5))
	assert.Equal(t, 60, ReturnWindowDays("WEB", 5))
	assert.Equal(t, 60, ReturnWindowDays("TEL", 5))
	assert.Equal(t, 5, ReturnWindowDays("", 5))
	assert.Equal(t, 5, ReturnWindowDays("XCK", 5))
}
