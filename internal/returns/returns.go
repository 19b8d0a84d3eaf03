// Package returns ingests ACH returns and wire recalls: it classifies the
// return code, opens the ops case, and starts the reversal saga when money
// has to come back off the books.
package returns

import (
	"github.com/loanserve/engine/internal/exceptions"
)

// Kinds of return message, taken from the routing key suffix.
const (
	KindACH  = "ach"
	KindWire = "wire"
)

// Action is what the engine does with a classified return.
type Action string

const (
	// ActionReverse starts the compensation saga.
	ActionReverse Action = "reverse"
	// ActionRetry schedules a re-presentment; NSF-style codes clear on
	// their own once funds exist.
	ActionRetry Action = "retry"
	// ActionDispute reverses and opens a dispute case: the account holder
	// says the debit was unauthorized.
	ActionDispute Action = "dispute"
	// ActionHold freezes for manual review without touching the books.
	ActionHold Action = "hold"
)

// Disposition is the classified outcome for one return code.
type Disposition struct {
	Action    Action
	BanMethod bool
	Severity  exceptions.Severity
}

// retryableACH are funds-availability codes worth re-presenting.
var retryableACH = map[string]bool{
	"R01": true, // insufficient funds
	"R09": true, // uncollected funds
}

// permanentACH codes mean the payment method is dead; it gets banned so
// validation rejects it on sight next time.
var permanentACH = map[string]bool{
	"R02": true, // account closed
	"R07": true, // authorization revoked
	"R10": true, // customer advises not authorized
	"R16": true, // account frozen
}

// disputedACH codes carry an unauthorized-debit claim.
var disputedACH = map[string]bool{
	"R05": true,
	"R07": true,
	"R10": true,
	"R29": true,
}

// ACHDisposition classifies an ACH return code.
func ACHDisposition(code string) Disposition {
	d := Disposition{
		Action:    ActionReverse,
		BanMethod: permanentACH[code],
		Severity:  exceptions.SeverityForACHReturn(code),
	}
	switch {
	case retryableACH[code]:
		d.Action = ActionRetry
	case disputedACH[code]:
		d.Action = ActionDispute
	}
	return d
}

// WireDisposition classifies a wire recall reason.
func WireDisposition(reason string) Disposition {
	switch reason {
	case "FRAUD":
		return Disposition{Action: ActionHold, Severity: exceptions.SeverityCritical}
	case "INCORRECT_AMOUNT":
		return Disposition{Action: ActionHold, Severity: exceptions.SeverityHigh}
	case "DUPLICATE", "INCORRECT_BENEFICIARY", "CUSTOMER_REQUEST":
		return Disposition{Action: ActionReverse, Severity: exceptions.SeverityMedium}
	default:
		// unknown recall reasons get eyes before money moves
		return Disposition{Action: ActionHold, Severity: exceptions.SeverityHigh}
	}
}

// Classify routes by return kind.
func Classify(kind, code string) Disposition {
	if kind == KindWire {
		return WireDisposition(code)
	}
	return ACHDisposition(code)
}
