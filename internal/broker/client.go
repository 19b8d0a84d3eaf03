package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loanserve/engine/internal/config"
	"github.com/loanserve/engine/internal/envelope"
)

var ErrNotConnected = errors.New("broker: not connected")

// Client owns the broker connection, one confirm-mode publisher channel,
// and the consumer registry. On connection loss it reconnects with bounded
// exponential backoff and restarts every registered consumer; unacked
// in-flight messages are redelivered by the broker.
type Client struct {
	cfg    config.BrokerConfig
	logger *log.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	closed  bool
	closeCh chan struct{}

	consumers []*consumer
}

// Connect dials the broker, declares the topology, and starts watching the
// connection.
func Connect(cfg config.BrokerConfig) (*Client, error) {
	c := &Client{
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[BROKER] ", log.LstdFlags),
		closeCh: make(chan struct{}),
	}
	if err := c.dial(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) dial() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: publisher channel: %w", err)
	}
	if err := DeclareTopology(ch); err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("broker: confirm mode: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pubCh = ch
	c.mu.Unlock()

	go c.watch(conn)
	c.logger.Printf("connected to %s", c.cfg.URL)
	return nil
}

// watch blocks on the connection's close notification and triggers
// reconnect unless the client is shutting down.
func (c *Client) watch(conn *amqp.Connection) {
	errCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	amqpErr := <-errCh
	if amqpErr == nil {
		return // clean shutdown
	}

	select {
	case <-c.closeCh:
		return
	default:
	}

	c.logger.Printf("connection lost: %v — reconnecting", amqpErr)
	c.reconnect()
}

func (c *Client) reconnect() {
	base := time.Duration(c.cfg.ReconnectBaseMs) * time.Millisecond
	for attempt := 0; attempt < c.cfg.ReconnectMaxTries; attempt++ {
		select {
		case <-c.closeCh:
			return
		case <-time.After(RetryDelay(base, attempt)):
		}

		if err := c.dial(); err != nil {
			c.logger.Printf("reconnect attempt %d/%d failed: %v",
				attempt+1, c.cfg.ReconnectMaxTries, err)
			continue
		}

		c.mu.Lock()
		consumers := append([]*consumer(nil), c.consumers...)
		c.mu.Unlock()
		for _, cons := range consumers {
			if err := c.startConsumer(cons); err != nil {
				c.logger.Printf("restart consumer %s: %v", cons.spec.Queue, err)
			}
		}
		return
	}
	c.logger.Printf("reconnect exhausted after %d attempts", c.cfg.ReconnectMaxTries)
}

// Publish sends an envelope and returns only after the broker confirms it.
// Unconfirmed publishes fail; the outbox dispatcher retries them.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, env *envelope.Envelope, headers map[string]string) error {
	c.mu.Lock()
	ch := c.pubCh
	c.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	body, err := env.JSON()
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}

	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}

	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.OccurredAt,
		Type:          env.Schema,
		Headers:       table,
		Body:          body,
	}
	if env.TTLMillis > 0 {
		pub.Expiration = fmt.Sprintf("%d", env.TTLMillis)
	}
	if env.Priority > 0 {
		pub.Priority = uint8(env.Priority)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, pub)
	if err != nil {
		return fmt.Errorf("broker: publish %s -> %s/%s: %w", env.Schema, exchange, routingKey, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("broker: confirm %s: %w", env.MessageID, err)
	}
	if !acked {
		return fmt.Errorf("broker: publish nacked: %s -> %s/%s", env.Schema, exchange, routingKey)
	}
	return nil
}

// publishToRetry parks a delivery on the queue's retry lane with a
// per-message TTL; expiry dead-letters it back onto the primary queue.
func (c *Client) publishToRetry(ctx context.Context, queue string, body []byte, headers amqp.Table, delay time.Duration) error {
	c.mu.Lock()
	ch := c.pubCh
	c.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Expiration:   fmt.Sprintf("%d", delay.Milliseconds()),
		Body:         body,
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", RetryQueue(queue), false, false, pub)
	if err != nil {
		return fmt.Errorf("broker: publish to retry %s: %w", queue, err)
	}
	if acked, err := confirm.WaitContext(ctx); err != nil || !acked {
		return fmt.Errorf("broker: retry publish unconfirmed for %s", queue)
	}
	return nil
}

// Close cancels all consumers, waits up to graceful for in-flight handlers,
// then closes the connection. Unacked messages are redelivered later.
func (c *Client) Close(graceful time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	consumers := append([]*consumer(nil), c.consumers...)
	conn := c.conn
	c.mu.Unlock()

	for _, cons := range consumers {
		cons.cancel()
	}

	done := make(chan struct{})
	go func() {
		for _, cons := range consumers {
			cons.wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(graceful):
		c.logger.Printf("graceful window expired, forcing close")
	}

	if conn != nil {
		return conn.Close()
	}
	return nil
}
