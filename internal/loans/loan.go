// Package loans holds the read/write surface onto loan state that the
// payment pipeline needs: balances for allocation targets, status and
// delinquency for policy selection, and the next-payment-date bookkeeping
// touched by the reversal saga.
package loans

import (
	"errors"
	"time"
)

// Status mirrors the servicing platform's loan status values.
type Status string

const (
	StatusApplication  Status = "application"
	StatusUnderwriting Status = "underwriting"
	StatusApproved     Status = "approved"
	StatusActive       Status = "active"
	StatusCurrent      Status = "current"
	StatusLate         Status = "late"
	StatusDelinquent   Status = "delinquent"
	StatusDefault      Status = "default"
	StatusForbearance  Status = "forbearance"
	StatusModification Status = "modification"
	StatusForeclosure  Status = "foreclosure"
	StatusREO          Status = "reo"
	StatusChargedOff   Status = "charged_off"
	StatusPaidOff      Status = "paid_off"
	StatusClosed       Status = "closed"
)

// PaymentFrequency drives next_payment_date recomputation.
type PaymentFrequency string

const (
	FrequencyMonthly    PaymentFrequency = "monthly"
	FrequencyBiweekly   PaymentFrequency = "biweekly"
	FrequencyWeekly     PaymentFrequency = "weekly"
	FrequencyQuarterly  PaymentFrequency = "quarterly"
	FrequencySemiAnnual PaymentFrequency = "semiannual"
)

var ErrNotFound = errors.New("loans: not found")

// Loan is the slice of loan state the pipeline reads and writes.
// Monetary fields are integer cents.
type Loan struct {
	LoanID                string           `json:"loan_id"`
	Status                Status           `json:"status"`
	DaysPastDue           int              `json:"days_past_due"`
	AcceptPartialPayments bool             `json:"accept_partial_payments"`
	LateFeeBalance        int64            `json:"late_fee_balance"`
	AccruedInterest       int64            `json:"accrued_interest"`
	PrincipalBalance      int64            `json:"principal_balance"`
	NextPaymentDate       time.Time        `json:"next_payment_date"`
	PaymentFrequency      PaymentFrequency `json:"payment_frequency"`
	ScheduledPaymentCents int64            `json:"scheduled_payment_cents"`
}

// Servicable reports whether the loan can accept payments at all.
// paid_off and charged_off loans reject intake at validation.
func (l *Loan) Servicable() bool {
	return l.Status != StatusPaidOff && l.Status != StatusChargedOff
}

// AdvanceDate moves d forward by one payment period.
func AdvanceDate(d time.Time, freq PaymentFrequency) time.Time {
	switch freq {
	case FrequencyWeekly:
		return d.AddDate(0, 0, 7)
	case FrequencyBiweekly:
		return d.AddDate(0, 0, 14)
	case FrequencyQuarterly:
		return d.AddDate(0, 3, 0)
	case FrequencySemiAnnual:
		return d.AddDate(0, 6, 0)
	default:
		return d.AddDate(0, 1, 0)
	}
}

// RetreatDate moves d backward by one payment period, undoing AdvanceDate.
// A reversal un-pays the period the payment had covered.
func RetreatDate(d time.Time, freq PaymentFrequency) time.Time {
	switch freq {
	case FrequencyWeekly:
		return d.AddDate(0, 0, -7)
	case FrequencyBiweekly:
		return d.AddDate(0, 0, -14)
	case FrequencyQuarterly:
		return d.AddDate(0, -3, 0)
	case FrequencySemiAnnual:
		return d.AddDate(0, -6, 0)
	default:
		return d.AddDate(0, -1, 0)
	}
}

// DeriveStatus maps next_payment_date to current | late | delinquent,
// using the late-fee grace window as the boundary between current and late.
func DeriveStatus(nextPaymentDate, now time.Time, graceDays int) Status {
	if !nextPaymentDate.Before(now) {
		return StatusCurrent
	}
	overdue := int(now.Sub(nextPaymentDate).Hours() / 24)
	if overdue <= graceDays {
		return StatusLate
	}
	return StatusDelinquent
}
