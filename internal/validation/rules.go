// Package validation implements the first pipeline stage: intake payloads
// become payment rows, duplicates are dropped on business idempotency keys,
// and source-specific rules decide validated vs rejected.
package validation

import (
	"fmt"
	"regexp"
	"time"

	"github.com/loanserve/engine/internal/config"
	"github.com/loanserve/engine/internal/loans"
	"github.com/loanserve/engine/internal/payments"
)

// Intake is the decoded data section of a payment.*.received envelope.
// Source-specific fields are populated per channel; dates arrive as
// YYYY-MM-DD strings.
type Intake struct {
	LoanID        string `json:"loan_id"`
	Source        string `json:"source"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	EffectiveDate string `json:"effective_date"`
	ExternalRef   string `json:"external_ref,omitempty"`

	// ACH
	TraceNumber   string `json:"trace_number,omitempty"`
	RoutingNumber string `json:"routing_number,omitempty"`
	SECCode       string `json:"sec_code,omitempty"`

	// Wire
	WireRef string `json:"wire_ref,omitempty"`

	// Check / lockbox
	CheckNumber  string `json:"check_number,omitempty"`
	PayerAccount string `json:"payer_account,omitempty"`
	IssueDate    string `json:"issue_date,omitempty"`

	// Card
	ProcessorTxnID string `json:"processor_txn_id,omitempty"`

	// Cashier's check / money order
	InstrumentSerial string `json:"instrument_serial,omitempty"`
}

// Rejection is a terminal validation outcome. The code lands in the
// transition reason and the rejected event payload.
type Rejection struct {
	Code   string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Code
	}
	return r.Code + ": " + r.Detail
}

func reject(code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

var routingNumberRe = regexp.MustCompile(`^\d{9}$`)

var validSECCodes = map[string]bool{"PPD": true, "CCD": true, "WEB": true, "TEL": true}

// DeriveKey computes the business idempotency key for an intake. Missing
// key material is unrecoverable: the message can never be deduplicated, so
// it dead-letters instead of creating a payment.
func DeriveKey(in *Intake) (string, *Rejection) {
	src := payments.Source(in.Source)
	if !payments.KnownSource(src) {
		return "", reject("unknown_source", "source %q", in.Source)
	}
	if in.AmountCents <= 0 {
		return "", reject("bad_amount", "amount_cents=%d", in.AmountCents)
	}

	switch src {
	case payments.SourceACH:
		if in.TraceNumber == "" {
			return "", reject("missing_trace_number", "ach intake without trace number")
		}
		date, err := ParseDate(in.EffectiveDate)
		if err != nil {
			return "", reject("bad_effective_date", "%q", in.EffectiveDate)
		}
		return payments.ACHKey(in.TraceNumber, date, in.AmountCents), nil
	case payments.SourceWire:
		if in.WireRef == "" {
			return "", reject("missing_wire_ref", "wire intake without wire_ref")
		}
		return payments.WireKey(in.WireRef, in.AmountCents), nil
	case payments.SourceCheck, payments.SourceLockbox:
		if in.CheckNumber == "" || in.PayerAccount == "" {
			return "", reject("missing_check_fields", "check_number or payer_account empty")
		}
		return payments.CheckKey(src, in.CheckNumber, in.PayerAccount, in.AmountCents), nil
	case payments.SourceCard:
		if in.ProcessorTxnID == "" {
			return "", reject("missing_processor_txn", "card intake without processor_txn_id")
		}
		return payments.CardKey(in.ProcessorTxnID), nil
	default: // cashier, money order
		if in.InstrumentSerial == "" {
			return "", reject("missing_instrument_serial", "%s intake without serial", src)
		}
		return payments.InstrumentKey(src, in.InstrumentSerial, in.AmountCents), nil
	}
}

// CheckLoan applies the loan-level rules: the loan must exist, accept
// payments, and allow partials if the amount falls short of the scheduled
// payment.
func CheckLoan(loan *loans.Loan, in *Intake) *Rejection {
	if loan == nil {
		return reject("loan_not_found", "loan %q", in.LoanID)
	}
	if !loan.Servicable() {
		return reject("loan_not_servicable", "loan %s is %s", loan.LoanID, loan.Status)
	}
	if !loan.AcceptPartialPayments &&
		loan.ScheduledPaymentCents > 0 &&
		in.AmountCents < loan.ScheduledPaymentCents {
		return reject("partial_not_allowed",
			"amount %d below scheduled %d", in.AmountCents, loan.ScheduledPaymentCents)
	}
	return nil
}

// CheckSource applies channel-specific rules.
func CheckSource(in *Intake, cfg config.ServicingConfig, now time.Time) *Rejection {
	switch payments.Source(in.Source) {
	case payments.SourceACH:
		if !routingNumberRe.MatchString(in.RoutingNumber) {
			return reject("bad_routing_number", "%q", in.RoutingNumber)
		}
		if !validSECCodes[in.SECCode] {
			return reject("bad_sec_code", "%q", in.SECCode)
		}
	case payments.SourceWire:
		if in.WireRef == "" {
			return reject("missing_wire_ref", "empty wire_ref")
		}
	case payments.SourceCheck, payments.SourceLockbox:
		issued, err := ParseDate(in.IssueDate)
		if err != nil {
			return reject("bad_issue_date", "%q", in.IssueDate)
		}
		// staleness is judged on calendar days, not instants
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		if issued.After(today) {
			return reject("postdated_check", "issued %s", in.IssueDate)
		}
		if issued.Before(today.AddDate(0, 0, -cfg.CheckStaleDays)) {
			return reject("stale_check", "issued %s, older than %d days", in.IssueDate, cfg.CheckStaleDays)
		}
	case payments.SourceCard:
		if in.AmountCents > cfg.CardMaxAmountCents {
			return reject("card_limit_exceeded",
				"amount %d exceeds cap %d", in.AmountCents, cfg.CardMaxAmountCents)
		}
	}
	// cashier's checks and money orders are accepted as presented
	return nil
}

// ReturnWindowDays gives the ACH return window for a SEC code: consumer
// debits (WEB/TEL) carry the 60-day unauthorized-return exposure, corporate
// and prearranged entries 2 banking days.
func ReturnWindowDays(secCode string, defaultDays int) int {
	switch secCode {
	case "PPD", "CCD":
		return 2
	case "WEB", "TEL":
		return 60
	default:
		return defaultDays
	}
}

// ParseDate parses a YYYY-MM-DD wire date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
