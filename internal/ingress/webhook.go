package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/loanserve/engine/internal/broker"
	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/monitoring"
)

const (
	headerSignature = "X-Webhook-Signature"
	headerTimestamp = "X-Webhook-Timestamp"

	maxWebhookBody = 1 << 20 // 1 MiB
)

// webhookEvent is the minimal shape every provider payload must carry; the
// rest of the body travels opaquely in the envelope data.
type webhookEvent struct {
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// handleWebhook verifies and forwards one provider webhook. Verification is
// HMAC-SHA-256 over timestamp ∥ raw body with the provider's secret; stale
// timestamps and replayed event ids are rejected before anything is
// published.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	secret, ok := s.cfg.Secrets[provider]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		monitoring.WebhookReceived(provider, "rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	ts := r.Header.Get(headerTimestamp)
	if !timestampFresh(ts, time.Now(), time.Duration(s.cfg.ToleranceSecs)*time.Second) {
		monitoring.WebhookReceived(provider, "rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "timestamp outside tolerance"})
		return
	}

	if !verifySignature(secret, ts, body, r.Header.Get(headerSignature)) {
		s.logger.Printf("bad signature from provider %s", provider)
		monitoring.WebhookReceived(provider, "rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil || event.EventID == "" || event.Type == "" {
		monitoring.WebhookReceived(provider, "rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed event"})
		return
	}

	// Non-payment provider events are acknowledged and dropped.
	if !strings.HasPrefix(event.Type, "payment.") {
		monitoring.WebhookReceived(provider, "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	seen, err := s.replay.Seen(r.Context(), "webhook:"+provider+":"+event.EventID)
	if err != nil {
		s.logger.Printf("replay guard unavailable for %s: %v", provider, err)
		// Guard down: let the message through, validation dedupes on the
		// idempotency key anyway.
	} else if seen {
		monitoring.WebhookReceived(provider, "replayed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	env, err := s.factory.New("payment.webhook."+provider+"."+event.Type, event.Data, envelopeOptions(event.EventID))
	if err != nil {
		monitoring.WebhookReceived(provider, "rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot build envelope"})
		return
	}

	routingKey := "payment.webhook." + provider + "." + event.Type
	if err := s.pub.Publish(r.Context(), broker.ExchangePayments, routingKey, env, nil); err != nil {
		s.logger.Printf("publish webhook %s/%s: %v", provider, event.EventID, err)
		monitoring.WebhookReceived(provider, "rejected")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return
	}

	monitoring.WebhookReceived(provider, "accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":         "accepted",
		"correlation_id": env.CorrelationID,
	})
}

func envelopeOptions(eventID string) envelope.Options {
	return envelope.Options{IdempotencyKey: eventID}
}

// verifySignature recomputes HMAC-SHA-256(secret, timestamp ∥ body) and
// compares in constant time.
func verifySignature(secret, timestamp string, body []byte, got string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(got))) == 1
}

// timestampFresh accepts unix-seconds timestamps within ±tolerance of now.
func timestampFresh(ts string, now time.Time, tolerance time.Duration) bool {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	drift := now.Sub(time.Unix(secs, 0))
	if drift < 0 {
		drift = -drift
	}
	return drift <= tolerance
}
