// Package ingress is the HTTP edge of the engine: provider webhooks, payment
// status lookups, health, and metrics. Everything it accepts is turned into
// an envelope and handed to the broker; no business logic lives here.
package ingress

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loanserve/engine/internal/config"
	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/idempotency"
	"github.com/loanserve/engine/internal/payments"
)

// Publisher is the slice of the broker client the ingress needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, env *envelope.Envelope, headers map[string]string) error
}

// ReplayGuard is satisfied by idempotency.Cache.
type ReplayGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
}

type Server struct {
	cfg     config.WebhooksConfig
	pool    *pgxpool.Pool
	pub     Publisher
	factory *envelope.Factory
	replay  ReplayGuard
	logger  *log.Logger
}

var _ ReplayGuard = (*idempotency.Cache)(nil)

func NewServer(cfg config.WebhooksConfig, pool *pgxpool.Pool, pub Publisher, factory *envelope.Factory, replay ReplayGuard) *Server {
	return &Server{
		cfg:     cfg,
		pool:    pool,
		pub:     pub,
		factory: factory,
		replay:  replay,
		logger:  log.New(log.Writer(), "[INGRESS] ", log.LstdFlags),
	}
}

// Router builds the HTTP mux.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{provider}", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/payments/status/{correlationID}", s.handleStatus).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "database": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus resolves a payment by correlation id so callers can follow a
// submission through the pipeline without knowing its payment id.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := mux.Vars(r)["correlationID"]

	p, err := payments.GetByCorrelationID(r.Context(), s.pool, correlationID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"payment_id":     p.PaymentID,
		"loan_id":        p.LoanID,
		"source":         p.Source,
		"state":          p.State,
		"amount_cents":   p.AmountCents,
		"correlation_id": correlationID,
		"received_at":    p.ReceivedAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
