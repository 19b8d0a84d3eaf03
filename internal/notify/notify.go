// Package notify builds notification.send payloads and hands them to the
// outbox. Template resolution and delivery belong to an external
// collaborator; the core only says who, what, and how urgently.
package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loanserve/engine/internal/broker"
	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/outbox"
)

// Channel is the delivery medium the collaborator should use.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Priority levels understood by the collaborator.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Message is the notification.send contract.
type Message struct {
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
	Channel   Channel           `json:"channel"`
	Priority  string            `json:"priority"`
}

// normalize fills channel/priority defaults and rejects unusable messages.
func normalize(msg Message) (Message, error) {
	if msg.Recipient == "" || msg.Template == "" {
		return msg, fmt.Errorf("notify: recipient and template are required")
	}
	if msg.Channel == "" {
		msg.Channel = ChannelEmail
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	return msg, nil
}

// Enqueue appends a notification.send event to the outbox on the caller's
// transaction, so the notification commits or rolls back with the state
// change that caused it.
func Enqueue(ctx context.Context, tx pgx.Tx, factory *envelope.Factory, parent *envelope.Envelope, aggregateID string, msg Message) error {
	msg, err := normalize(msg)
	if err != nil {
		return err
	}

	env, err := factory.Reply(parent, "notification.send", msg)
	if err != nil {
		return err
	}
	body, err := env.JSON()
	if err != nil {
		return err
	}

	return outbox.Append(ctx, tx, outbox.Message{
		AggregateType: "notification",
		AggregateID:   aggregateID,
		EventType:     "notification.send",
		Exchange:      broker.ExchangeNotifications,
		RoutingKey:    "notification.send." + string(msg.Channel),
		Payload:       body,
		CorrelationID: parent.CorrelationID,
	})
}
