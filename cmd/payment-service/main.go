package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	orderhttp "github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/http"
	orderkafka "github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/kafka"
	"github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/oxapay"
	orderpg "github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/postgres"
	"github.com/dmehra2102/unit-order-engine/pkg/config"
	"github.com/dmehra2102/unit-order-engine/pkg/logging"
	"github.com/dmehra2102/unit-order-engine/pkg/outbox"
	"github.com/dmehra2102/unit-order-engine/pkg/postgres"
	"github.com/dmehra2102/unit-order-engine/pkg/shutdown"
	"github.com/dmehra2102/unit-order-engine/pkg/tracing"
)

func main() {
	configDir := flag.String("config", "configs", "directory holding base.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir, os.Getenv("APP_ENV"))
	if err != nil {
		logging.New().Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.NewWith("payment-service", logging.Options{
		Level: cfg.App.LogLevel,
		File:  cfg.App.LogFile,
	})

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "payment-service", cfg.Tracing.Endpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = shutdown.Within(5*time.Second, tp.Shutdown) }()

	pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if cfg.Postgres.Migrate {
		if err := orderpg.Migrate(ctx, pool); err != nil {
			log.Error("migration failed", "err", err)
			os.Exit(1)
		}
	}

	writer := orderkafka.NewWriter(cfg.Kafka.Brokers)
	defer writer.Close()

	repo := orderpg.NewRepository(log, pool)
	dispatch := outbox.NewDispatcher(log, writer, cfg.Kafka.OrderTopic)
	relay := outbox.NewRelay(log, orderpg.NewOutboxStore(log, pool), dispatch, "payment-service-relay-"+hostname(),
		outbox.WithBatchSize(cfg.Outbox.BatchSize), outbox.WithInterval(cfg.Outbox.Interval))

	gateway := oxapay.NewClient(log, oxapay.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		MerchantKey: cfg.Gateway.MerchantKey,
		Timeout:     cfg.Gateway.Timeout,
	})
	reconciler := application.NewReconciler(log, repo, gateway, cfg.Reservation.CancelCompetitors)

	var verify orderhttp.SignatureVerifier
	if cfg.Gateway.VerifySignature {
		verify = gateway.VerifySignature
	} else {
		log.Warn("webhook signature verification disabled")
	}
	webhook := orderhttp.NewWebhookHandler(log, reconciler, verify, oxapay.HeaderHMAC)

	srv := &http.Server{
		Addr:         cfg.HTTP.WebhookAddr,
		Handler:      webhook.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error {
		log.Info("webhook listening", "addr", cfg.HTTP.WebhookAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown.Within(10*time.Second, srv.Shutdown)
	})

	if err := g.Wait(); err != nil {
		log.Error("payment-service stopped with error", "err", err)
	}
	log.Info("payment-service shutdown complete")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "local"
	}
	return h
}
