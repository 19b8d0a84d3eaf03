package returns

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loanserve/engine/internal/broker"
	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/eventchain"
	"github.com/loanserve/engine/internal/exceptions"
	"github.com/loanserve/engine/internal/idempotency"
	"github.com/loanserve/engine/internal/locks"
	"github.com/loanserve/engine/internal/monitoring"
	"github.com/loanserve/engine/internal/outbox"
	"github.com/loanserve/engine/internal/payments"
	"github.com/loanserve/engine/internal/pii"
	"github.com/loanserve/engine/internal/reversal"
)

const (
	handlerName  = "returns"
	schemaPrefix = "payment.return."
)

// MethodToken derives the blacklist token for a payment's funding method.
// Shared with validation so bans match at intake.
func MethodToken(routingNumber, payerAccount string) string {
	return pii.Tokenize(routingNumber + ":" + payerAccount)
}

// Consumer ingests payment.return.* messages from the processor.
type Consumer struct {
	pool    *pgxpool.Pool
	factory *envelope.Factory
	logger  *log.Logger
}

func NewConsumer(pool *pgxpool.Pool, factory *envelope.Factory) *Consumer {
	return &Consumer{
		pool:    pool,
		factory: factory,
		logger:  log.New(log.Writer(), "[RETURNS] ", log.LstdFlags),
	}
}

type returnEvent struct {
	PaymentID string `json:"payment_id"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
}

func (c *Consumer) Handle(ctx context.Context, env *envelope.Envelope) (broker.Decision, error) {
	// webhook-wrapped schemas prepend payment.webhook.<provider>.
	_, kind, ok := strings.Cut(env.Schema, schemaPrefix)
	if !ok || kind == "" {
		return broker.Dead, fmt.Errorf("returns: unexpected schema %q", env.Schema)
	}

	var ev returnEvent
	if err := env.DecodeData(&ev); err != nil || ev.PaymentID == "" || ev.Code == "" {
		return broker.Dead, fmt.Errorf("returns: decode return event: %w", err)
	}

	err := idempotency.Run(ctx, c.pool, handlerName, env.IdempotencyKey, func(tx pgx.Tx) error {
		return c.process(ctx, tx, env, &ev, kind)
	})
	switch {
	case err == nil:
		return broker.Ack, nil
	case errors.Is(err, idempotency.ErrInFlight):
		return broker.Retry, err
	default:
		return broker.Retry, err
	}
}

func (c *Consumer) process(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, ev *returnEvent, kind string) error {
	p, err := payments.Get(ctx, tx, ev.PaymentID)
	if errors.Is(err, payments.ErrNotFound) {
		// a return for a payment we never saw cannot be acted on
		return c.openCase(ctx, tx, ev.PaymentID, exceptions.CategoryOrphanReturn,
			ev.Code, exceptions.SeverityHigh)
	}
	if err != nil {
		return err
	}

	if err := locks.AcquireLoan(ctx, tx, p.LoanID); err != nil {
		return err
	}

	count, err := RecordReturn(ctx, tx, p.PaymentID, kind, ev.Code, ev.Reason)
	if err != nil {
		return err
	}

	if _, err := eventchain.Append(ctx, tx, p.PaymentID, "return."+kind, env.Data, env.CorrelationID); err != nil {
		return err
	}

	d := Classify(kind, ev.Code)
	c.logger.Printf("payment %s return %s/%s -> %s (count=%d)", p.PaymentID, kind, ev.Code, d.Action, count)

	if d.BanMethod {
		token := MethodToken(p.Metadata["routing_number"], p.Metadata["payer_account"])
		if err := BanMethod(ctx, tx, token, kind, ev.Code); err != nil {
			return err
		}
	}

	caseCategory := exceptions.CategoryACHReturn
	if kind == KindWire {
		caseCategory = exceptions.CategoryWireRecall
	}

	subcategory := ev.Code
	if kind == KindACH {
		late, err := WindowClosed(ctx, tx, p.PaymentID, time.Now().UTC())
		if err != nil {
			return err
		}
		if late {
			subcategory = ev.Code + ":late_return"
		}
	}

	switch d.Action {
	case ActionRetry:
		// the funds already came back, so the books unwind either way;
		// re-presentment runs alongside and escalates on repeats
		if err := c.openCase(ctx, tx, p.PaymentID, caseCategory,
			subcategory, exceptions.SeverityForNSF(count)); err != nil {
			return err
		}
		if err := c.scheduleRetry(ctx, tx, env, p, ev, count); err != nil {
			return err
		}
		return c.startSaga(ctx, tx, env, p, ev)

	case ActionDispute:
		if err := c.openCase(ctx, tx, p.PaymentID, exceptions.CategoryDispute,
			subcategory, d.Severity); err != nil {
			return err
		}
		return c.startSaga(ctx, tx, env, p, ev)

	case ActionHold:
		return c.openCase(ctx, tx, p.PaymentID, caseCategory,
			subcategory+":hold", d.Severity)

	default: // ActionReverse
		if err := c.openCase(ctx, tx, p.PaymentID, caseCategory,
			subcategory, d.Severity); err != nil {
			return err
		}
		return c.startSaga(ctx, tx, env, p, ev)
	}
}

// startSaga emits the first reversal step. The saga id is derived from the
// payment, so a second return for the same payment joins the same run
// instead of starting another.
func (c *Consumer) startSaga(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, p *payments.Payment, ev *returnEvent) error {
	sagaID := "rev-" + p.PaymentID
	sagaEv := reversal.Event{
		SagaID:     sagaID,
		PaymentID:  p.PaymentID,
		LoanID:     p.LoanID,
		Reason:     ev.Reason,
		ReturnCode: ev.Code,
		StartedAt:  time.Now().UTC(),
	}

	schema := "saga.payment.reversal." + reversal.StepMarkReturned
	stepEnv, err := c.factory.ReplyWithKey(env, schema,
		reversal.StepKey(sagaID, reversal.StepMarkReturned), sagaEv)
	if err != nil {
		return err
	}
	body, err := stepEnv.JSON()
	if err != nil {
		return err
	}
	return outbox.Append(ctx, tx, outbox.Message{
		AggregateType: "saga",
		AggregateID:   sagaID,
		EventType:     schema,
		Exchange:      broker.ExchangeSaga,
		RoutingKey:    schema,
		Payload:       body,
		CorrelationID: env.CorrelationID,
	})
}

// scheduleRetry asks the processor integration to re-present the debit.
func (c *Consumer) scheduleRetry(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, p *payments.Payment, ev *returnEvent, attempt int) error {
	retry, err := c.factory.ReplyWithKey(env, "payment.retry.scheduled",
		fmt.Sprintf("%s:retry:%d", p.PaymentID, attempt), map[string]any{
			"payment_id": p.PaymentID,
			"loan_id":    p.LoanID,
			"code":       ev.Code,
			"attempt":    attempt,
		})
	if err != nil {
		return err
	}
	body, err := retry.JSON()
	if err != nil {
		return err
	}
	return outbox.Append(ctx, tx, outbox.Message{
		AggregateType: "payment",
		AggregateID:   p.PaymentID,
		EventType:     "payment.retry.scheduled",
		Exchange:      broker.ExchangeEvents,
		RoutingKey:    "payment.retry.scheduled",
		Payload:       body,
		CorrelationID: env.CorrelationID,
	})
}

func (c *Consumer) openCase(ctx context.Context, tx pgx.Tx, paymentID string, cat exceptions.Category, sub string, sev exceptions.Severity) error {
	if _, err := exceptions.Open(ctx, tx, exceptions.Case{
		PaymentID:   paymentID,
		Category:    cat,
		Subcategory: sub,
		Severity:    sev,
	}); err != nil {
		return err
	}
	monitoring.ExceptionOpened(string(cat), string(sev))
	return nil
}
