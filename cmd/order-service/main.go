package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	invapp "github.com/dmehra2102/unit-order-engine/internal/inventory/application"
	invhttp "github.com/dmehra2102/unit-order-engine/internal/inventory/infrastructure/http"
	invpg "github.com/dmehra2102/unit-order-engine/internal/inventory/infrastructure/postgres"
	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	orderhttp "github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/http"
	orderkafka "github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/kafka"
	"github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/oxapay"
	orderpg "github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/postgres"
	"github.com/dmehra2102/unit-order-engine/pkg/config"
	"github.com/dmehra2102/unit-order-engine/pkg/health"
	"github.com/dmehra2102/unit-order-engine/pkg/logging"
	"github.com/dmehra2102/unit-order-engine/pkg/middleware"
	"github.com/dmehra2102/unit-order-engine/pkg/outbox"
	"github.com/dmehra2102/unit-order-engine/pkg/postgres"
	"github.com/dmehra2102/unit-order-engine/pkg/ratelimit"
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
	log := logging.NewWith("order-service", logging.Options{
		Level: cfg.App.LogLevel,
		File:  cfg.App.LogFile,
	})

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "order-service", cfg.Tracing.Endpoint, log)
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
	store := orderpg.NewOutboxStore(log, pool)
	dispatch := outbox.NewDispatcher(log, writer, cfg.Kafka.OrderTopic)
	relay := outbox.NewRelay(log, store, dispatch, "order-service-relay-"+hostname(),
		outbox.WithBatchSize(cfg.Outbox.BatchSize), outbox.WithInterval(cfg.Outbox.Interval))

	units := invapp.NewService(log, invpg.NewRepository(log, pool))
	gateway := oxapay.NewClient(log, oxapay.Config{
		BaseURL:           cfg.Gateway.BaseURL,
		MerchantKey:       cfg.Gateway.MerchantKey,
		CallbackURL:       cfg.Gateway.CallbackURL,
		Currency:          cfg.Gateway.Currency,
		ToCurrency:        cfg.Gateway.ToCurrency,
		Lifetime:          cfg.Gateway.Lifetime,
		UnderPaidCoverage: cfg.Gateway.UnderPaidCoverage,
		FeePaidByPayer:    cfg.Gateway.FeePaidByPayer,
		Timeout:           cfg.Gateway.Timeout,
	})
	svc := application.NewService(log, repo, units, gateway, application.Config{
		TTL:               cfg.Reservation.TTL,
		MaxLiveOrders:     cfg.Reservation.MaxLiveOrders,
		CancelCompetitors: cfg.Reservation.CancelCompetitors,
	}, application.WithRateLimiter(ratelimit.New(cfg.RateLimit.Interval, cfg.RateLimit.Size)))
	sweeper := application.NewSweeper(log, repo, application.SweeperConfig{
		TTL:         cfg.Reservation.TTL,
		Interval:    cfg.Reservation.SweepInterval,
		Batch:       cfg.Reservation.SweepBatch,
		OrphanGrace: cfg.Reservation.OrphanGrace,
	})

	authz := middleware.NewAuthz(middleware.AuthConfig{
		Secret:   cfg.Security.JWTSecret,
		Issuer:   cfg.Security.Issuer,
		Audience: cfg.Security.Audience,
	})
	handler := orderhttp.NewHandler(log, svc, authz)
	inventory := invhttp.NewHandler(log, units, authz)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Routes(inventory.Register),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	hs := health.NewServer(func(ctx context.Context) error { return pool.Ping(ctx) })
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Error("grpc listen failed", "addr", cfg.GRPC.Addr, "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		log.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("grpc health listening", "addr", cfg.GRPC.Addr)
		return hs.Serve(lis)
	})
	g.Go(func() error {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			if err := hs.Refresh(gctx); err != nil && gctx.Err() == nil {
				log.Warn("health check failed", "err", err)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.Stop()
		return shutdown.Within(10*time.Second, srv.Shutdown)
	})

	if err := g.Wait(); err != nil {
		log.Error("order-service stopped with error", "err", err)
	}
	log.Info("order-service shutdown complete")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "local"
	}
	return h
}
