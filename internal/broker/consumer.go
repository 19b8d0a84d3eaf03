package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/monitoring"
)

// Decision is the tagged outcome a handler returns; the framework turns it
// into ack/retry/dead-letter. Handlers never touch the delivery directly.
type Decision int

const (
	// Ack: the effect is committed (or idempotently already present).
	Ack Decision = iota
	// Retry: transient failure; re-deliver after a backoff delay.
	Retry
	// Dead: permanent failure; route to the DLQ for ops review.
	Dead
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Handler processes one envelope. The error is for logging; the Decision
// alone drives acknowledgement.
type Handler func(ctx context.Context, env *envelope.Envelope) (Decision, error)

// ConsumerSpec configures one queue consumer.
type ConsumerSpec struct {
	Queue          string
	Prefetch       int
	ConsumerTag    string
	HandlerTimeout time.Duration
	MaxDeliveries  int           // retries before dead-lettering
	RetryBase      time.Duration // first retry delay
}

const headerRetryCount = "x-retry-count"

type consumer struct {
	spec    ConsumerSpec
	handler Handler
	client  *Client

	mu   sync.Mutex
	ch   *amqp.Channel
	done chan struct{}
}

// Consume registers a handler on a queue. Each consumer gets its own
// channel so a channel-level error never tears down its neighbors.
func (c *Client) Consume(spec ConsumerSpec, handler Handler) error {
	if spec.Prefetch <= 0 {
		spec.Prefetch = 10
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = 30 * time.Second
	}
	if spec.MaxDeliveries <= 0 {
		spec.MaxDeliveries = 5
	}
	if spec.RetryBase <= 0 {
		spec.RetryBase = time.Second
	}
	if spec.ConsumerTag == "" {
		spec.ConsumerTag = "engine-" + spec.Queue
	}

	cons := &consumer{spec: spec, handler: handler, client: c}

	c.mu.Lock()
	c.consumers = append(c.consumers, cons)
	c.mu.Unlock()

	return c.startConsumer(cons)
}

func (c *Client) startConsumer(cons *consumer) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: channel for %s: %w", cons.spec.Queue, err)
	}
	if err := ch.Qos(cons.spec.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("broker: qos for %s: %w", cons.spec.Queue, err)
	}

	deliveries, err := ch.Consume(cons.spec.Queue, cons.spec.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("broker: consume %s: %w", cons.spec.Queue, err)
	}

	done := make(chan struct{})
	cons.mu.Lock()
	cons.ch = ch
	cons.done = done
	cons.mu.Unlock()

	go func() {
		defer close(done)
		for d := range deliveries {
			cons.handle(d)
		}
	}()

	c.logger.Printf("consuming %s (prefetch=%d tag=%s)",
		cons.spec.Queue, cons.spec.Prefetch, cons.spec.ConsumerTag)
	return nil
}

func (cons *consumer) handle(d amqp.Delivery) {
	start := time.Now()

	env, err := envelope.Parse(d.Body)
	if err != nil {
		// Malformed payloads can never succeed; straight to the DLQ via the
		// queue's dead-letter exchange.
		cons.client.logger.Printf("malformed message on %s: %v", cons.spec.Queue, err)
		monitoring.MessageHandled(cons.spec.Queue, "dead", time.Since(start))
		_ = d.Nack(false, false)
		return
	}
	env.RetryCount = retryCountFrom(d.Headers)

	ctx, cancel := context.WithTimeout(context.Background(), cons.spec.HandlerTimeout)
	decision, herr := cons.runHandler(ctx, env)
	cancel()

	if herr != nil && decision != Ack {
		cons.client.logger.Printf("handler %s on %s (%s): %v",
			decision, cons.spec.Queue, env.Schema, herr)
	}

	switch decision {
	case Ack:
		_ = d.Ack(false)
	case Retry:
		cons.retry(env, d)
	default:
		_ = d.Nack(false, false)
	}
	monitoring.MessageHandled(cons.spec.Queue, decision.String(), time.Since(start))
}

// runHandler bounds the handler by wall clock; a timeout is a retryable
// failure, the broker redelivers after the lane delay.
func (cons *consumer) runHandler(ctx context.Context, env *envelope.Envelope) (Decision, error) {
	type result struct {
		decision Decision
		err      error
	}
	resCh := make(chan result, 1)
	go func() {
		d, err := cons.handler(ctx, env)
		resCh <- result{d, err}
	}()

	select {
	case r := <-resCh:
		return r.decision, r.err
	case <-ctx.Done():
		return Retry, fmt.Errorf("broker: handler timeout on %s after %s", cons.spec.Queue, cons.spec.HandlerTimeout)
	}
}

func (cons *consumer) retry(env *envelope.Envelope, d amqp.Delivery) {
	attempt := env.RetryCount + 1
	if attempt >= cons.spec.MaxDeliveries {
		cons.client.logger.Printf("retries exhausted on %s for %s (attempt %d) — dead-lettering",
			cons.spec.Queue, env.Schema, attempt)
		_ = d.Nack(false, false)
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[headerRetryCount] = int32(attempt)

	delay := RetryDelay(cons.spec.RetryBase, env.RetryCount)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := cons.client.publishToRetry(ctx, cons.spec.Queue, d.Body, headers, delay); err != nil {
		// Could not park it; requeue-less nack keeps the message via DLQ
		// rather than losing it.
		cons.client.logger.Printf("retry publish failed on %s: %v", cons.spec.Queue, err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (cons *consumer) cancel() {
	cons.mu.Lock()
	ch := cons.ch
	cons.mu.Unlock()
	if ch != nil {
		_ = ch.Cancel(cons.spec.ConsumerTag, false)
	}
}

func (cons *consumer) wait() {
	cons.mu.Lock()
	done := cons.done
	cons.mu.Unlock()
	if done != nil {
		<-done
	}
}

func retryCountFrom(headers amqp.Table) int {
	switch v := headers[headerRetryCount].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
