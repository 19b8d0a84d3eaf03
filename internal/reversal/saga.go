// Package reversal runs the compensation saga that unwinds a settled
// payment after an ACH return or wire recall. Each step is its own broker
// message, so a crash mid-saga resumes at the step that was in flight.
package reversal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loanserve/engine/internal/postgres"
)

// Steps in execution order. The saga never skips or reorders; a paused saga
// resumes at its recorded step after the exception case is resolved.
const (
	StepMarkReturned      = "mark_returned"
	StepReverseLedger     = "reverse_ledger"
	StepReverseEscrow     = "reverse_escrow"
	StepClawback          = "clawback"
	StepRecomputeSchedule = "recompute_schedule"
	StepUpdateLoanStatus  = "update_loan_status"
	StepNotify            = "notify"
	StepMarkReversed      = "mark_reversed"
)

var steps = []string{
	StepMarkReturned,
	StepReverseLedger,
	StepReverseEscrow,
	StepClawback,
	StepRecomputeSchedule,
	StepUpdateLoanStatus,
	StepNotify,
	StepMarkReversed,
}

// ValidStep reports whether s is a known saga step.
func ValidStep(s string) bool {
	for _, step := range steps {
		if step == s {
			return true
		}
	}
	return false
}

// NextStep returns the step after s, or "" when s is the last one.
func NextStep(s string) string {
	for i, step := range steps {
		if step == s && i+1 < len(steps) {
			return steps[i+1]
		}
	}
	return ""
}

// StepKey is the idempotency key for one step of one saga run.
func StepKey(sagaID, step string) string {
	return sagaID + ":" + step
}

// Saga states.
const (
	StateRunning   = "running"
	StatePaused    = "paused"
	StateCompleted = "completed"
)

var ErrSagaNotFound = errors.New("reversal: saga not found")

// Saga is the persisted saga record.
type Saga struct {
	SagaID      string     `json:"saga_id"`
	PaymentID   string     `json:"payment_id"`
	LoanID      string     `json:"loan_id"`
	Reason      string     `json:"reason"`
	ReturnCode  string     `json:"return_code,omitempty"`
	State       string     `json:"state"`
	CurrentStep string     `json:"current_step"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Start records a new saga run. Re-delivery of the first step is a no-op
// thanks to the conflict clause.
func Start(ctx context.Context, q postgres.Querier, s *Saga) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payment_reversal_sagas
			(saga_id, payment_id, loan_id, reason, return_code, state, current_step, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (saga_id) DO NOTHING`,
		s.SagaID, s.PaymentID, s.LoanID, s.Reason, s.ReturnCode,
		StateRunning, StepMarkReturned, s.StartedAt)
	if err != nil {
		return fmt.Errorf("reversal: start saga %s: %w", s.SagaID, err)
	}
	return nil
}

// Get loads a saga run by id.
func Get(ctx context.Context, q postgres.Querier, sagaID string) (*Saga, error) {
	var s Saga
	err := q.QueryRow(ctx, `
		SELECT saga_id, payment_id, loan_id, reason, COALESCE(return_code,''),
		       state, current_step, started_at, completed_at
		FROM payment_reversal_sagas WHERE saga_id = $1`, sagaID).
		Scan(&s.SagaID, &s.PaymentID, &s.LoanID, &s.Reason, &s.ReturnCode,
			&s.State, &s.CurrentStep, &s.StartedAt, &s.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("reversal: get saga %s: %w", sagaID, err)
	}
	return &s, nil
}

// SetStep records the step the saga has advanced to.
func SetStep(ctx context.Context, q postgres.Querier, sagaID, step string) error {
	_, err := q.Exec(ctx, `
		UPDATE payment_reversal_sagas SET current_step = $2, state = $3
		WHERE saga_id = $1`, sagaID, step, StateRunning)
	if err != nil {
		return fmt.Errorf("reversal: set step %s/%s: %w", sagaID, step, err)
	}
	return nil
}

// Pause stops the saga at its current step pending manual review. The
// exception case created alongside carries the detail.
func Pause(ctx context.Context, q postgres.Querier, sagaID, step string) error {
	_, err := q.Exec(ctx, `
		UPDATE payment_reversal_sagas SET current_step = $2, state = $3
		WHERE saga_id = $1`, sagaID, step, StatePaused)
	if err != nil {
		return fmt.Errorf("reversal: pause saga %s: %w", sagaID, err)
	}
	return nil
}

// Complete closes the saga after the final step commits.
func Complete(ctx context.Context, q postgres.Querier, sagaID string, at time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE payment_reversal_sagas
		SET state = $2, current_step = $3, completed_at = $4
		WHERE saga_id = $1`, sagaID, StateCompleted, StepMarkReversed, at)
	if err != nil {
		return fmt.Errorf("reversal: complete saga %s: %w", sagaID, err)
	}
	return nil
}
