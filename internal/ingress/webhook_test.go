package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanserve/engine/internal/config"
	"github.com/loanserve/engine/internal/envelope"
)

type capturedPublish struct {
	exchange   string
	routingKey string
	env        *envelope.Envelope
}

type fakePublisher struct {
	published []capturedPublish
	fail      bool
}

func (f *fakePublisher) Publish(_ context.Context, exchange, routingKey string, env *envelope.Envelope, _ map[string]string) error {
	if f.fail {
		return fmt.Errorf("broker down")
	}
	f.published = append(f.published, capturedPublish{exchange, routingKey, env})
	return nil
}

type fakeReplay struct {
	seen map[string]bool
	err  error
}

func (f *fakeReplay) Seen(_ context.Context, key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	dup := f.seen[key]
	f.seen[key] = true
	return dup, nil
}

func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(pub *fakePublisher, replay *fakeReplay) *Server {
	return &Server{
		cfg: config.WebhooksConfig{
			Secrets:       map[string]string{"acme_bank": "s3cret"},
			ToleranceSecs: 300,
		},
		pub:     pub,
		factory: envelope.NewFactory("payment-engine@test", "tenant-1"),
		replay:  replay,
		logger:  log.New(log.Writer(), "[INGRESS] ", log.LstdFlags),
	}
}

func postWebhook(t *testing.T, s *Server, provider, ts, sig string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, bytes.NewReader(body))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, sig)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func validBody(eventID, typ string) []byte {
	b, _ := json.Marshal(map[string]any{
		"event_id": eventID,
		"type":     typ,
		"data":     map[string]any{"amount_cents": 50000, "loan_id": "loan-1"},
	})
	return b
}

func nowTS() string {
	return fmt.Sprintf("%d", time.Now().Unix())
}

func TestWebhookAcceptedAndPublished(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(pub, &fakeReplay{})

	body := validBody("evt-1", "payment.ach.received")
	ts := nowTS()
	rec := postWebhook(t, s, "acme_bank", ts, sign("s3cret", ts, body), body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.published, 1)
	p := pub.published[0]
	assert.Equal(t, "payments.topic", p.exchange)
	assert.Equal(t, "payment.webhook.acme_bank.payment.ach.received", p.routingKey)
	assert.Equal(t, "evt-1", p.env.IdempotencyKey)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["correlation_id"])
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(pub, &fakeReplay{})

	body := validBody("evt-2", "payment.ach.received")
	rec := postWebhook(t, s, "acme_bank", nowTS(), strings.Repeat("0", 64), body)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, pub.published)
}

func TestWebhookRejectsStaleTimestamp(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(pub, &fakeReplay{})

	body := validBody("evt-3", "payment.ach.received")
	ts := fmt.Sprintf("%d", time.Now().Add(-10*time.Minute).Unix())
	rec := postWebhook(t, s, "acme_bank", ts, sign("s3cret", ts, body), body)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, pub.published)
}

func TestWebhookUnknownProvider(t *testing.T) {
	s := newTestServer(&fakePublisher{}, &fakeReplay{})
	body := validBody("evt-4", "payment.ach.received")
	ts := nowTS()
	rec := postWebhook(t, s, "nobody", ts, sign("s3cret", ts, body), body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookIgnoresNonPaymentEvents(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(pub, &fakeReplay{})

	body := validBody("evt-5", "account.updated")
	ts := nowTS()
	rec := postWebhook(t, s, "acme_bank", ts, sign("s3cret", ts, body), body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, pub.published)
}

func TestWebhookReplayShortCircuits(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(pub, &fakeReplay{})

	body := validBody("evt-6", "payment.ach.received")
	ts := nowTS()
	sig := sign("s3cret", ts, body)

	first := postWebhook(t, s, "acme_bank", ts, sig, body)
	second := postWebhook(t, s, "acme_bank", ts, sig, body)

	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Len(t, pub.published, 1)
}

func TestWebhookSurvivesReplayGuardOutage(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(pub, &fakeReplay{err: fmt.Errorf("redis down")})

	body := validBody("evt-7", "payment.ach.received")
	ts := nowTS()
	rec := postWebhook(t, s, "acme_bank", ts, sign("s3cret", ts, body), body)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, pub.published, 1)
}

func TestWebhookBrokerDown(t *testing.T) {
	pub := &fakePublisher{fail: true}
	s := newTestServer(pub, &fakeReplay{})

	body := validBody("evt-8", "payment.ach.received")
	ts := nowTS()
	rec := postWebhook(t, s, "acme_bank", ts, sign("s3cret", ts, body), body)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVerifySignatureConstantTimeShape(t *testing.T) {
	body := []byte(`{"x":1}`)
	ts := "1700000000"
	good := sign("k", ts, body)

	assert.True(t, verifySignature("k", ts, body, good))
	assert.True(t, verifySignature("k", ts, body, strings.ToUpper(good)))
	flipped := good[:63] + string("0123456789abcdef"[(strings.IndexByte("0123456789abcdef", good[63])+1)%16])
	assert.False(t, verifySignature("k", ts, body, flipped))
	assert.False(t, verifySignature("other", ts, body, good))
}

func TestTimestampFresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tol := 5 * time.Minute

	assert.True(t, timestampFresh("1700000000", now, tol))
	assert.True(t, timestampFresh("1700000299", now, tol))
	assert.False(t, timestampFresh("1700000301", now, tol))
	assert.False(t, timestampFresh("1699999699", now, tol))
	assert.False(t, timestampFresh("not-a-number", now, tol))
}
