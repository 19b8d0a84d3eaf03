package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Factory stamps new envelopes with this service's producer identity.
// One factory is constructed at process start and shared by all publishers.
type Factory struct {
	producer string // "name@semver"
	tenantID string
	now      func() time.Time
}

// Options are the optional fields callers may set when creating an envelope.
// Idempotency keys are business-meaningful (e.g. ACH trace + date + amount)
// and are always supplied by the caller, never generated.
type Options struct {
	CorrelationID  string
	CausationID    string
	IdempotencyKey string
	TraceID        string
	TenantID       string
	Priority       int
	TTLMillis      int64
	Headers        map[string]string
}

// NewFactory creates an envelope factory for the given producer identity,
// e.g. NewFactory("payment-engine@1.4.0", "tenant-1").
func NewFactory(producer, tenantID string) *Factory {
	return &Factory{
		producer: producer,
		tenantID: tenantID,
		now:      time.Now,
	}
}

// New creates an envelope with a fresh message_id. A correlation_id is
// generated unless one is supplied through opts.
func (f *Factory) New(schema string, data any, opts Options) (*Envelope, error) {
	payload, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal %s data: %w", schema, err)
	}

	msgID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("envelope: message id: %w", err)
	}

	corrID := opts.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}

	tenant := opts.TenantID
	if tenant == "" {
		tenant = f.tenantID
	}

	e := &Envelope{
		Schema:         schema,
		MessageID:      msgID.String(),
		CorrelationID:  corrID,
		CausationID:    opts.CausationID,
		IdempotencyKey: opts.IdempotencyKey,
		OccurredAt:     f.now().UTC(),
		Producer:       f.producer,
		Version:        Version,
		TraceID:        opts.TraceID,
		TenantID:       tenant,
		Priority:       opts.Priority,
		TTLMillis:      opts.TTLMillis,
		Headers:        opts.Headers,
		Data:           payload,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reply creates a descendant envelope: the correlation_id is inherited from
// the parent and causation_id is set to the parent's message_id.
func (f *Factory) Reply(parent *Envelope, schema string, data any) (*Envelope, error) {
	return f.New(schema, data, Options{
		CorrelationID: parent.CorrelationID,
		CausationID:   parent.MessageID,
		TraceID:       parent.TraceID,
		TenantID:      parent.TenantID,
	})
}

// ReplyWithKey is Reply with a business idempotency key attached.
func (f *Factory) ReplyWithKey(parent *Envelope, schema, idempotencyKey string, data any) (*Envelope, error) {
	return f.New(schema, data, Options{
		CorrelationID:  parent.CorrelationID,
		CausationID:    parent.MessageID,
		IdempotencyKey: idempotencyKey,
		TraceID:        parent.TraceID,
		TenantID:       parent.TenantID,
	})
}

// Batch creates one envelope per item, all sharing a single correlation_id.
func (f *Factory) Batch(schema string, items []any, opts Options) ([]*Envelope, error) {
	if opts.CorrelationID == "" {
		opts.CorrelationID = uuid.NewString()
	}

	envs := make([]*Envelope, 0, len(items))
	for i, item := range items {
		e, err := f.New(schema, item, opts)
		if err != nil {
			return nil, fmt.Errorf("envelope: batch item %d: %w", i, err)
		}
		envs = append(envs, e)
	}
	return envs, nil
}

func marshalData(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}
