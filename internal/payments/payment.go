// Package payments holds the core Payment aggregate: the state machine,
// payment sources, and the business idempotency key derivation used to
// dedupe repeated deliveries from every channel.
package payments

import (
	"errors"
	"fmt"
	"time"
)

// Source identifies the channel a payment arrived on.
type Source string

const (
	SourceACH        Source = "ach"
	SourceWire       Source = "wire"
	SourceCheck      Source = "check"
	SourceLockbox    Source = "lockbox"
	SourceCard       Source = "card"
	SourceCashier    Source = "cashier"
	SourceMoneyOrder Source = "money_order"
)

// KnownSource reports whether s is a supported payment channel.
func KnownSource(s Source) bool {
	switch s {
	case SourceACH, SourceWire, SourceCheck, SourceLockbox, SourceCard, SourceCashier, SourceMoneyOrder:
		return true
	}
	return false
}

// State is the payment lifecycle state.
type State string

const (
	StateReceived   State = "received"
	StateValidated  State = "validated"
	StateRejected   State = "rejected"
	StatePosted     State = "posted_pending_settlement"
	StateProcessing State = "processing"
	StateSettled    State = "settled"
	StateReturned   State = "returned"
	StateReversed   State = "reversed"
	StateClosed     State = "closed"
)

// transitions is the allowed edge set of the payment state machine.
var transitions = map[State][]State{
	StateReceived:   {StateValidated, StateRejected},
	StateValidated:  {StatePosted},
	StatePosted:     {StateProcessing},
	StateProcessing: {StateSettled},
	StateSettled:    {StateReturned},
	StateReturned:   {StateReversed},
}

var ErrBadTransition = errors.New("payments: state transition not allowed")

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrBadTransition (wrapped with detail) when the
// edge is not allowed. Consumers treat this as an ordering error: the state
// already advanced, so the message is dropped, not retried.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	return nil
}

// Terminal reports whether no further processing ever touches the payment.
// settled is not terminal: a return can still pull it back out.
func Terminal(s State) bool {
	return s == StateRejected || s == StateReversed || s == StateClosed
}

// Payment is the core aggregate.
type Payment struct {
	PaymentID      string            `json:"payment_id"`
	LoanID         string            `json:"loan_id"`
	Source         Source            `json:"source"`
	ExternalRef    string            `json:"external_ref,omitempty"`
	AmountCents    int64             `json:"amount_cents"`
	Currency       string            `json:"currency"`
	ReceivedAt     time.Time         `json:"received_at"`
	EffectiveDate  time.Time         `json:"effective_date"`
	State          State             `json:"state"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Transition is one row of the append-only payment_state_transitions log.
// Written atomically with the state change it records.
type Transition struct {
	PaymentID     string    `json:"payment_id"`
	PreviousState State     `json:"previous_state"`
	NewState      State     `json:"new_state"`
	OccurredAt    time.Time `json:"occurred_at"`
	Actor         string    `json:"actor"`
	Reason        string    `json:"reason,omitempty"`
}
