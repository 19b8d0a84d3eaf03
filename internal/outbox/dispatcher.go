package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loanserve/engine/internal/broker"
	"github.com/loanserve/engine/internal/circuitbreaker"
	"github.com/loanserve/engine/internal/config"
	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/exceptions"
	"github.com/loanserve/engine/internal/monitoring"
	"github.com/loanserve/engine/internal/postgres"
)

// Publisher is the slice of the broker client the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, env *envelope.Envelope, headers map[string]string) error
}

// Dispatcher drains the outbox on a fixed tick. Rows are published in
// created_at order per aggregate; a failed aggregate blocks its later rows
// until the next tick so ordering holds. Under sustained failure the
// dispatcher halves its batch and widens its tick, and the circuit breaker
// skips ticks entirely while the broker is down.
type Dispatcher struct {
	pool    *pgxpool.Pool
	pub     Publisher
	breaker *circuitbreaker.CircuitBreaker
	cfg     config.DispatcherConfig
	logger  *log.Logger

	batch int
	tick  time.Duration
}

func NewDispatcher(pool *pgxpool.Pool, pub Publisher, cfg config.DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		pool:    pool,
		pub:     pub,
		breaker: circuitbreaker.New(circuitbreaker.ForBroker()),
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
		batch:   cfg.BatchSize,
		tick:    time.Duration(cfg.TickMs) * time.Millisecond,
	}
}

// Run loops until ctx is cancelled. Safe to run on multiple instances;
// batches are claimed with FOR UPDATE SKIP LOCKED.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Printf("dispatcher started (tick=%s batch=%d)", d.tick, d.batch)
	for {
		select {
		case <-ctx.Done():
			d.logger.Printf("dispatcher stopped")
			return
		case <-time.After(d.tick):
		}

		if err := d.breaker.Allow(); err != nil {
			d.logger.Printf("skipping tick: %v", err)
			continue
		}
		if err := d.Tick(ctx); err != nil {
			d.logger.Printf("tick failed: %v", err)
		}
	}
}

// Tick claims and publishes one batch inside a single transaction.
func (d *Dispatcher) Tick(ctx context.Context) error {
	var sent, failed int
	err := postgres.InTx(ctx, d.pool, func(tx pgx.Tx) error {
		batch, err := ClaimBatch(ctx, tx, d.batch, d.cfg.MaxAttempts, time.Now().UTC())
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		// An aggregate whose row failed must not have later rows published
		// this tick, or per-aggregate order breaks.
		blocked := map[string]bool{}
		for i := range batch {
			m := &batch[i]
			if blocked[m.aggregateKey()] {
				continue
			}
			if err := d.dispatchOne(ctx, tx, m); err != nil {
				blocked[m.aggregateKey()] = true
				failed++
				continue
			}
			sent++
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.adapt(sent, failed)
	d.observeBacklog(ctx)
	return nil
}

// dispatchOne publishes a single row and records the outcome on it. The
// returned error only signals "block this aggregate"; row bookkeeping has
// already happened.
func (d *Dispatcher) dispatchOne(ctx context.Context, tx pgx.Tx, m *Message) error {
	env, err := envelope.Parse(m.Payload)
	if err != nil {
		// Unparseable payloads can never publish; retire the row and leave a
		// case for ops.
		d.logger.Printf("row %d has malformed payload: %v", m.ID, err)
		d.openCase(ctx, tx, m, exceptions.CategoryDataIntegrity, err.Error())
		return MarkDead(ctx, tx, m.ID, "malformed payload: "+err.Error())
	}

	headers := map[string]string{HeaderOutboxID: fmt.Sprintf("%d", m.ID)}
	pubErr := d.breaker.Execute(func() error {
		return d.pub.Publish(ctx, m.Exchange, m.RoutingKey, env, headers)
	})
	if pubErr == nil {
		monitoring.OutboxPublished("sent")
		return MarkPublished(ctx, tx, m.ID)
	}

	if m.AttemptCount+1 >= d.cfg.MaxAttempts {
		d.logger.Printf("row %d exhausted after %d attempts (%s): %v",
			m.ID, m.AttemptCount+1, m.EventType, pubErr)
		d.deadLetter(ctx, env, m)
		d.openCase(ctx, tx, m, exceptions.CategoryPublishFailure, pubErr.Error())
		monitoring.OutboxPublished("exhausted")
		if err := MarkDead(ctx, tx, m.ID, pubErr.Error()); err != nil {
			return err
		}
		return fmt.Errorf("outbox: row %d dead-lettered", m.ID)
	}

	next := time.Now().UTC().Add(Backoff(
		time.Duration(d.cfg.BaseBackoffMs)*time.Millisecond,
		time.Duration(d.cfg.MaxBackoffMs)*time.Millisecond,
		m.AttemptCount))
	monitoring.OutboxPublished("retried")
	if err := MarkFailed(ctx, tx, m.ID, next, pubErr.Error()); err != nil {
		return err
	}
	return pubErr
}

// deadLetter forwards an exhausted payload to the domain's DLX so ops can
// replay it. Best effort; the exception case is the durable record.
func (d *Dispatcher) deadLetter(ctx context.Context, env *envelope.Envelope, m *Message) {
	dlx := broker.ExchangePaymentsDLX
	if m.Exchange == broker.ExchangeCRMEmail {
		dlx = broker.ExchangeCRMEmailDLX
	}
	if err := d.pub.Publish(ctx, dlx, m.RoutingKey, env, map[string]string{
		HeaderOutboxID: fmt.Sprintf("%d", m.ID),
	}); err != nil {
		d.logger.Printf("DLX publish for row %d failed: %v", m.ID, err)
	}
}

func (d *Dispatcher) openCase(ctx context.Context, tx pgx.Tx, m *Message, cat exceptions.Category, cause string) {
	_, err := exceptions.Open(ctx, tx, exceptions.Case{
		Category:         cat,
		Subcategory:      m.EventType,
		Severity:         exceptions.SeverityHigh,
		AIRecommendation: fmt.Sprintf("outbox row %d for %s: %s", m.ID, m.aggregateKey(), cause),
	})
	if err != nil {
		d.logger.Printf("open exception case for row %d: %v", m.ID, err)
	}
}

// adapt applies backpressure: a tick dominated by failures halves the batch
// and widens the tick; a clean tick walks both back toward the configured
// values.
func (d *Dispatcher) adapt(sent, failed int) {
	const minBatch = 32
	maxTick := 30 * time.Second
	baseTick := time.Duration(d.cfg.TickMs) * time.Millisecond

	if failed > 0 && failed >= sent {
		if d.batch/2 >= minBatch {
			d.batch /= 2
		}
		if d.tick*2 <= maxTick {
			d.tick *= 2
		}
		d.logger.Printf("backpressure: batch=%d tick=%s (sent=%d failed=%d)", d.batch, d.tick, sent, failed)
		return
	}

	if d.batch != d.cfg.BatchSize || d.tick != baseTick {
		d.batch = min(d.batch*2, d.cfg.BatchSize)
		d.tick = max(d.tick/2, baseTick)
	}
}

func (d *Dispatcher) observeBacklog(ctx context.Context) {
	n, err := PendingCount(ctx, d.pool)
	if err != nil {
		d.logger.Printf("backlog count: %v", err)
		return
	}
	monitoring.OutboxBacklog(n)
}
