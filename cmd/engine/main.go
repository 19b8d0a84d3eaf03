// Command engine runs the payment processing and settlement engine: it
// declares the broker topology, attaches every pipeline consumer, starts
// the outbox dispatcher, and serves the ingress HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/loanserve/engine/internal/allocation"
	"github.com/loanserve/engine/internal/broker"
	"github.com/loanserve/engine/internal/classify"
	"github.com/loanserve/engine/internal/config"
	"github.com/loanserve/engine/internal/distribution"
	"github.com/loanserve/engine/internal/envelope"
	"github.com/loanserve/engine/internal/idempotency"
	"github.com/loanserve/engine/internal/ingress"
	"github.com/loanserve/engine/internal/outbox"
	"github.com/loanserve/engine/internal/postgres"
	"github.com/loanserve/engine/internal/returns"
	"github.com/loanserve/engine/internal/reversal"
	"github.com/loanserve/engine/internal/settlement"
	"github.com/loanserve/engine/internal/validation"
)

const version = "payment-engine@1.0.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	_ = godotenv.Load()

	logger := log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	cache, err := idempotency.NewCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		time.Duration(cfg.Webhooks.ReplayGuardSecs)*time.Second)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}

	client, err := broker.Connect(cfg.Broker)
	if err != nil {
		logger.Fatalf("broker: %v", err)
	}

	factory := envelope.NewFactory(version, os.Getenv("TENANT_ID"))

	if err := attachConsumers(client, pool, factory, cfg); err != nil {
		logger.Fatalf("consumers: %v", err)
	}

	dispatcher := outbox.NewDispatcher(pool, client, cfg.Dispatcher)
	go dispatcher.Run(ctx)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: ingress.NewServer(cfg.Webhooks, pool, client, factory, cache).Router(),
	}
	go func() {
		logger.Printf("ingress listening on :%s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("ingress: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("ingress shutdown: %v", err)
	}
	if err := client.Close(cfg.GracefulTimeout()); err != nil {
		logger.Printf("broker close: %v", err)
	}
	logger.Printf("stopped")
}

// attachConsumers binds every pipeline handler to its queue with the
// configured prefetch and the shared handler timeout.
func attachConsumers(client *broker.Client, pool *pgxpool.Pool, factory *envelope.Factory, cfg *config.Config) error {
	timeout := cfg.HandlerTimeout()

	specs := []struct {
		queue    string
		prefetch int
		handler  broker.Handler
	}{
		{broker.QueueValidation, cfg.Consumers.ValidationPrefetch,
			validation.NewConsumer(pool, factory, cfg.Servicing).Handle},
		{broker.QueueClassification, cfg.Consumers.ClassificationPrefetch,
			classify.NewConsumer(pool, factory, cfg.Servicing).Handle},
		{broker.QueueSagaStart, cfg.Consumers.ClassificationPrefetch,
			allocation.NewConsumer(pool, factory).Handle},
		{broker.QueueDistribution, cfg.Consumers.DistributionPrefetch,
			distribution.NewConsumer(pool, factory, cfg.Servicing).Handle},
		{broker.QueueSettlement, cfg.Consumers.DistributionPrefetch,
			settlement.NewConsumer(pool, factory).Handle},
		{broker.QueueReversal, cfg.Consumers.ReversalPrefetch,
			reversal.NewConsumer(pool, factory, cfg.Servicing).Handle},
		{broker.QueueReturned, cfg.Consumers.ReversalPrefetch,
			returns.NewConsumer(pool, factory).Handle},
		{broker.QueueClawback, cfg.Consumers.ReversalPrefetch,
			distribution.NewClawbackConsumer(pool, factory).Handle},
	}

	for _, s := range specs {
		err := client.Consume(broker.ConsumerSpec{
			Queue:          s.queue,
			Prefetch:       s.prefetch,
			HandlerTimeout: timeout,
		}, s.handler)
		if err != nil {
			return err
		}
	}
	return nil
}
