package validation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loanserve/engine/internal/broker"
	"github.com/loanserve/engine/internal/config"
	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/eventchain"
	"github.com/loanserve/engine/internal/loans"
	"github.com/loanserve/engine/internal/monitoring"
	"github.com/loanserve/engine/internal/outbox"
	"github.com/loanserve/engine/internal/payments"
	"github.com/loanserve/engine/internal/postgres"
	"github.com/loanserve/engine/internal/returns"
)

// Consumer handles payment.*.received.
type Consumer struct {
	pool    *pgxpool.Pool
	factory *envelope.Factory
	cfg     config.ServicingConfig
	logger  *log.Logger
}

func NewConsumer(pool *pgxpool.Pool, factory *envelope.Factory, cfg config.ServicingConfig) *Consumer {
	return &Consumer{
		pool:    pool,
		factory: factory,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[VALIDATE] ", log.LstdFlags),
	}
}

// Handle runs one intake through key derivation, duplicate detection,
// insertion, and the validation rules. The rejected path is a success from
// the broker's point of view: the payment reached a terminal state.
func (c *Consumer) Handle(ctx context.Context, env *envelope.Envelope) (broker.Decision, error) {
	var in Intake
	if err := env.DecodeData(&in); err != nil {
		return broker.Dead, fmt.Errorf("validation: decode intake: %w", err)
	}

	key, rej := DeriveKey(&in)
	if rej != nil {
		c.logger.Printf("undeduplicatable intake (%s): %v", env.MessageID, rej)
		return broker.Dead, rej
	}

	if existing, err := payments.GetByIdempotencyKey(ctx, c.pool, key); err == nil {
		c.logger.Printf("duplicate intake for payment %s (key %s)", existing.PaymentID, key)
		return broker.Ack, nil
	} else if !errors.Is(err, payments.ErrNotFound) {
		return broker.Retry, err
	}

	err := postgres.InTx(ctx, c.pool, func(tx pgx.Tx) error {
		return c.process(ctx, tx, env, &in, key)
	})
	if err != nil {
		return broker.Retry, err
	}
	return broker.Ack, nil
}

func (c *Consumer) process(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, in *Intake, key string) error {
	now := time.Now().UTC()

	effective, perr := ParseDate(in.EffectiveDate)
	if perr != nil {
		effective = now
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("validation: payment id: %w", err)
	}

	p := &payments.Payment{
		PaymentID:      id.String(),
		LoanID:         in.LoanID,
		Source:         payments.Source(in.Source),
		ExternalRef:    in.ExternalRef,
		AmountCents:    in.AmountCents,
		Currency:       currencyOrDefault(in.Currency),
		ReceivedAt:     now,
		EffectiveDate:  effective,
		State:          payments.StateReceived,
		IdempotencyKey: key,
		Metadata:       metadataFor(in),
	}
	if err := payments.Insert(ctx, tx, p); err != nil {
		return err
	}
	monitoring.PaymentTransition(string(payments.StateReceived))

	if _, err := eventchain.Append(ctx, tx, p.PaymentID, "payment.received", env.Data, env.CorrelationID); err != nil {
		return err
	}

	rejection, err := c.evaluate(ctx, tx, p, in, now)
	if err != nil {
		return err
	}
	if rejection != nil {
		return c.finish(ctx, tx, env, p, payments.StateRejected, rejection.Code)
	}

	if p.Source == payments.SourceACH {
		days := ReturnWindowDays(in.SECCode, c.cfg.ACHReturnWindowDays)
		if err := CreateReturnWindow(ctx, tx, p.PaymentID, in.SECCode, days, now); err != nil {
			return err
		}
	}
	return c.finish(ctx, tx, env, p, payments.StateValidated, "")
}

// evaluate runs the loan and source rule sets. A Rejection is a business
// outcome; a non-nil error is infrastructure trouble and retries.
func (c *Consumer) evaluate(ctx context.Context, tx pgx.Tx, p *payments.Payment, in *Intake, now time.Time) (*Rejection, error) {
	loan, err := loans.Get(ctx, tx, in.LoanID)
	if err != nil && !errors.Is(err, loans.ErrNotFound) {
		return nil, err
	}
	if rej := CheckLoan(loan, in); rej != nil {
		return rej, nil
	}
	if rej := CheckSource(in, c.cfg, now); rej != nil {
		return rej, nil
	}

	if p.Source == payments.SourceACH {
		banned, berr := returns.IsBanned(ctx, tx, returns.MethodToken(in.RoutingNumber, in.PayerAccount))
		if berr != nil {
			return nil, berr
		}
		if banned {
			return reject("payment_method_banned", "funding account is blacklisted after a prior return"), nil
		}
	}

	if p.Source == payments.SourceCheck || p.Source == payments.SourceLockbox {
		dup, derr := payments.HasLiveCheckDuplicate(ctx, tx, in.CheckNumber, in.PayerAccount, in.AmountCents, p.PaymentID)
		if derr != nil {
			return nil, derr
		}
		if dup {
			return reject("duplicate_check", "check %s already in flight", in.CheckNumber), nil
		}
	}
	return nil, nil
}

// finish records the terminal validation outcome and queues the downstream
// event in the same transaction.
func (c *Consumer) finish(ctx context.Context, tx pgx.Tx, env *envelope.Envelope, p *payments.Payment, to payments.State, reason string) error {
	if err := payments.Move(ctx, tx, p.PaymentID, to, "validation", reason); err != nil {
		return err
	}
	monitoring.PaymentTransition(string(to))

	verdict := "validated"
	if to == payments.StateRejected {
		verdict = "rejected"
	}
	schema := fmt.Sprintf("payment.%s.%s", p.Source, verdict)

	out, err := c.factory.ReplyWithKey(env, schema, p.IdempotencyKey, map[string]any{
		"payment_id":     p.PaymentID,
		"loan_id":        p.LoanID,
		"source":         p.Source,
		"amount_cents":   p.AmountCents,
		"effective_date": p.EffectiveDate.Format("2006-01-02"),
		"reason":         reason,
	})
	if err != nil {
		return err
	}

	if _, err := eventchain.Append(ctx, tx, p.PaymentID, "payment."+verdict, out.Data, env.CorrelationID); err != nil {
		return err
	}

	body, err := out.JSON()
	if err != nil {
		return err
	}
	return outbox.Append(ctx, tx, outbox.Message{
		AggregateType: "payment",
		AggregateID:   p.PaymentID,
		EventType:     schema,
		Exchange:      broker.ExchangePayments,
		RoutingKey:    schema,
		Payload:       body,
		CorrelationID: env.CorrelationID,
	})
}

func currencyOrDefault(c string) string {
	if c == "" {
		return "USD"
	}
	return c
}

func metadataFor(in *Intake) map[string]string {
	md := map[string]string{}
	put := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	put("trace_number", in.TraceNumber)
	put("routing_number", in.RoutingNumber)
	put("sec_code", in.SECCode)
	put("wire_ref", in.WireRef)
	put("check_number", in.CheckNumber)
	put("payer_account", in.PayerAccount)
	put("issue_date", in.IssueDate)
	put("processor_txn_id", in.ProcessorTxnID)
	put("instrument_serial", in.InstrumentSerial)
	return md
}
