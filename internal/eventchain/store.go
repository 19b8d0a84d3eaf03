package eventchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loanserve/engine/internal/postgres"
)

// Append writes the next event in a payment's chain. The tip is read with
// FOR UPDATE so two appends in racing transactions serialize; combined with
// the per-loan advisory lock this keeps chains linear.
func Append(ctx context.Context, q postgres.Querier, paymentID, eventType string, data json.RawMessage, correlationID string) (*Event, error) {
	var prev string
	err := q.QueryRow(ctx, `
		SELECT event_hash FROM payment_events
		WHERE payment_id = $1
		ORDER BY created_at DESC, event_id DESC
		LIMIT 1
		FOR UPDATE`, paymentID).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		prev = Genesis(paymentID)
	} else if err != nil {
		return nil, fmt.Errorf("eventchain: load tip for %s: %w", paymentID, err)
	}

	now := time.Now().UTC()
	hash, err := Hash(prev, data, correlationID, now)
	if err != nil {
		return nil, err
	}

	e := &Event{
		EventID:       uuid.NewString(),
		PaymentID:     paymentID,
		Type:          eventType,
		Data:          data,
		CorrelationID: correlationID,
		PrevEventHash: prev,
		EventHash:     hash,
		CreatedAt:     now,
	}

	_, err = q.Exec(ctx, `
		INSERT INTO payment_events
			(event_id, payment_id, type, data, correlation_id,
			 prev_event_hash, event_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.EventID, e.PaymentID, e.Type, e.Data, e.CorrelationID,
		e.PrevEventHash, e.EventHash, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("eventchain: append %s/%s: %w", paymentID, eventType, err)
	}
	return e, nil
}

// Load returns the full chain for a payment in order.
func Load(ctx context.Context, q postgres.Querier, paymentID string) ([]Event, error) {
	rows, err := q.Query(ctx, `
		SELECT event_id, payment_id, type, data, correlation_id,
		       COALESCE(prev_event_hash, ''), event_hash, created_at
		FROM payment_events
		WHERE payment_id = $1
		ORDER BY created_at, event_id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("eventchain: load %s: %w", paymentID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.EventID, &e.PaymentID, &e.Type, &e.Data,
			&e.CorrelationID, &e.PrevEventHash, &e.EventHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("eventchain: scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
