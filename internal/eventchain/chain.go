// Package eventchain maintains the tamper-evident event history kept per
// payment. Each event's hash binds the previous hash, the canonicalized
// payload, the correlation id, and the timestamp; verification walks the
// chain and localizes tampering to the first broken link.
package eventchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

var (
	ErrBrokenLink = errors.New("eventchain: hash mismatch")
	ErrBadGenesis = errors.New("eventchain: first event does not chain from genesis")
)

// Event is one row of payment_events.
type Event struct {
	EventID       string          `json:"event_id"`
	PaymentID     string          `json:"payment_id"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id"`
	PrevEventHash string          `json:"prev_event_hash,omitempty"`
	EventHash     string          `json:"event_hash"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Genesis returns the anchor hash for a payment's chain.
func Genesis(paymentID string) string {
	sum := sha256.Sum256([]byte("genesis:" + paymentID))
	return hex.EncodeToString(sum[:])
}

// Hash computes SHA-256(prev ∥ canonical(data) ∥ correlation_id ∥ ts_iso).
// The payload is canonicalized with RFC 8785 JCS so that key order and
// whitespace never affect the chain.
func Hash(prev string, data json.RawMessage, correlationID string, ts time.Time) (string, error) {
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("eventchain: canonicalize: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(canonical)
	h.Write([]byte(correlationID))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the chain in sequence. On a mismatch it returns the
// index of the first broken link along with the sentinel error.
func Verify(paymentID string, events []Event) (int, error) {
	prev := Genesis(paymentID)
	for i, e := range events {
		if e.PrevEventHash != prev {
			if i == 0 {
				return 0, fmt.Errorf("%w: event %s", ErrBadGenesis, e.EventID)
			}
			return i, fmt.Errorf("%w: event %s prev pointer broken", ErrBrokenLink, e.EventID)
		}
		want, err := Hash(prev, e.Data, e.CorrelationID, e.CreatedAt)
		if err != nil {
			return i, err
		}
		if want != e.EventHash {
			return i, fmt.Errorf("%w: event %s", ErrBrokenLink, e.EventID)
		}
		prev = e.EventHash
	}
	return -1, nil
}
