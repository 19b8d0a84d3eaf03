// Package envelope defines the canonical message shape carried on the broker.
//
// Every event in the pipeline — webhook ingress, validation results, saga
// steps, distribution notices — travels inside an Envelope. The envelope
// carries identity (message_id), lineage (correlation_id / causation_id),
// and an optional business idempotency key used for exactly-once effect.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire format version. Bump only on incompatible envelope changes.
const Version = 1

var (
	ErrMissingSchema        = errors.New("envelope: schema is required")
	ErrMissingMessageID     = errors.New("envelope: message_id is required")
	ErrMissingCorrelationID = errors.New("envelope: correlation_id is required")
	ErrMissingProducer      = errors.New("envelope: producer is required")
	ErrBadPriority          = errors.New("envelope: priority must be 0-9")
)

// Envelope is the canonical wrapper for all broker messages.
//
// Invariants:
//   - message_id is unique and monotonically sortable (UUIDv7)
//   - correlation_id is preserved across all descendant messages
//   - causation_id equals the parent's message_id
type Envelope struct {
	Schema         string            `json:"schema"`
	MessageID      string            `json:"message_id"`
	CorrelationID  string            `json:"correlation_id"`
	CausationID    string            `json:"causation_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Producer       string            `json:"producer"`
	Version        int               `json:"version"`
	TraceID        string            `json:"trace_id,omitempty"`
	TenantID       string            `json:"tenant_id,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	TTLMillis      int64             `json:"ttl,omitempty"`
	RetryCount     int               `json:"retry_count,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Data           json.RawMessage   `json:"data"`
}

// Validate checks the required fields of the wire format.
func (e *Envelope) Validate() error {
	switch {
	case e.Schema == "":
		return ErrMissingSchema
	case e.MessageID == "":
		return ErrMissingMessageID
	case e.CorrelationID == "":
		return ErrMissingCorrelationID
	case e.Producer == "":
		return ErrMissingProducer
	case e.Priority < 0 || e.Priority > 9:
		return ErrBadPriority
	}
	return nil
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes and validates an envelope from its wire form.
func Parse(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeData unmarshals the typed payload into dst.
func (e *Envelope) DecodeData(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope: %s has no data", e.Schema)
	}
	return json.Unmarshal(e.Data, dst)
}

// Header returns a header value, or "" when absent.
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}
