package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/loanserve/engine/internal/postgres"
)

// ClaimBatch locks up to limit publishable rows in created_at order.
// FOR UPDATE SKIP LOCKED lets multiple dispatcher instances drain the table
// without stepping on each other; a skipped row is simply another instance's.
func ClaimBatch(ctx context.Context, q postgres.Querier, limit, maxAttempts int, now time.Time) ([]Message, error) {
	rows, err := q.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, exchange, routing_key,
		       payload, correlation_id, attempt_count, next_retry_at, created_at
		FROM outbox_messages
		WHERE published_at IS NULL
		  AND attempt_count < $1
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY created_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		maxAttempts, now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim batch: %w", err)
	}
	defer rows.Close()

	var batch []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.AggregateType, &m.AggregateID, &m.EventType,
			&m.Exchange, &m.RoutingKey, &m.Payload, &m.CorrelationID,
			&m.AttemptCount, &m.NextRetryAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan row: %w", err)
		}
		batch = append(batch, m)
	}
	return batch, rows.Err()
}

// MarkPublished stamps published_at after broker confirmation.
func MarkPublished(ctx context.Context, q postgres.Querier, id int64) error {
	_, err := q.Exec(ctx,
		`UPDATE outbox_messages SET published_at = now(), last_error = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark published %d: %w", id, err)
	}
	return nil
}

// MarkFailed bumps the attempt counter and schedules the next retry.
func MarkFailed(ctx context.Context, q postgres.Querier, id int64, nextRetry time.Time, cause string) error {
	_, err := q.Exec(ctx, `
		UPDATE outbox_messages
		SET attempt_count = attempt_count + 1, next_retry_at = $2, last_error = $3
		WHERE id = $1`,
		id, nextRetry, truncateError(cause))
	if err != nil {
		return fmt.Errorf("outbox: mark failed %d: %w", id, err)
	}
	return nil
}

// MarkDead retires an exhausted row. published_at is set so the dispatcher
// never selects it again; last_error records why.
func MarkDead(ctx context.Context, q postgres.Querier, id int64, cause string) error {
	_, err := q.Exec(ctx, `
		UPDATE outbox_messages
		SET attempt_count = attempt_count + 1, published_at = now(), last_error = $2
		WHERE id = $1`,
		id, truncateError(cause))
	if err != nil {
		return fmt.Errorf("outbox: mark dead %d: %w", id, err)
	}
	return nil
}

// PendingCount reports the unpublished backlog, for the gauge.
func PendingCount(ctx context.Context, q postgres.Querier) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM outbox_messages WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: pending count: %w", err)
	}
	return n, nil
}

func truncateError(s string) string {
	const max = 1024
	if len(s) > max {
		return s[:max]
	}
	return s
}
