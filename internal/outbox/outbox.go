// Package outbox implements the transactional outbox: events are appended in
// the same local transaction as the state change they announce, and a
// dispatcher publishes them to the broker afterwards. Publication is
// at-least-once; consumers dedupe on idempotency keys and x-outbox-id.
package outbox

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/loanserve/engine/internal/postgres"
)

// HeaderOutboxID carries the outbox row id on every published envelope so
// downstream handlers can use it as a secondary dedup key.
const HeaderOutboxID = "x-outbox-id"

// Message is one row of the outbox table: a serialized envelope plus its
// publish target. published_at is set exactly once, after broker confirm.
type Message struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Exchange      string
	RoutingKey    string
	Payload       []byte
	CorrelationID string
	AttemptCount  int
	NextRetryAt   *time.Time
	PublishedAt   *time.Time
	LastError     string
	CreatedAt     time.Time
}

func (m *Message) aggregateKey() string {
	return m.AggregateType + "/" + m.AggregateID
}

// Append inserts an outbox row. It must run on the same transaction as the
// state change producing the event, or the outbox guarantee is void.
func Append(ctx context.Context, q postgres.Querier, m Message) error {
	_, err := q.Exec(ctx, `
		INSERT INTO outbox_messages
			(aggregate_type, aggregate_id, event_type, exchange, routing_key,
			 payload, correlation_id, attempt_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,now())`,
		m.AggregateType, m.AggregateID, m.EventType, m.Exchange, m.RoutingKey,
		m.Payload, m.CorrelationID)
	if err != nil {
		return fmt.Errorf("outbox: append %s for %s: %w", m.EventType, m.aggregateKey(), err)
	}
	return nil
}

// Backoff computes the delay before the n-th republish attempt:
// min(base·2^n, max) with ±25% jitter.
func Backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}

	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	jitter := 1 + 0.25*(2*rand.Float64()-1)
	out := time.Duration(float64(d) * jitter)
	if out > max {
		out = max
	}
	if out < time.Millisecond {
		out = time.Millisecond
	}
	return out
}
