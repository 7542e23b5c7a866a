package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	fulfilapp "github.com/dmehra2102/unit-order-engine/internal/fulfillment/application"
	fulfilkafka "github.com/dmehra2102/unit-order-engine/internal/fulfillment/infrastructure/kafka"
	"github.com/dmehra2102/unit-order-engine/internal/fulfillment/infrastructure/notify"
	invapp "github.com/dmehra2102/unit-order-engine/internal/inventory/application"
	invpg "github.com/dmehra2102/unit-order-engine/internal/inventory/infrastructure/postgres"
	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	orderpg "github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/postgres"
	"github.com/dmehra2102/unit-order-engine/pkg/config"
	"github.com/dmehra2102/unit-order-engine/pkg/idempotency"
	"github.com/dmehra2102/unit-order-engine/pkg/logging"
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
	log := logging.NewWith("fulfillment-service", logging.Options{
		Level: cfg.App.LogLevel,
		File:  cfg.App.LogFile,
	})

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "fulfillment-service", cfg.Tracing.Endpoint, log)
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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis connect failed", "err", err)
		os.Exit(1)
	}
	idem := idempotency.NewStore(rdb, cfg.Idempotency.TTL)

	// Deliver needs no gateway.
	orders := application.NewService(log, orderpg.NewRepository(log, pool),
		invapp.NewService(log, invpg.NewRepository(log, pool)), nil,
		application.Config{TTL: cfg.Reservation.TTL})

	var notifier fulfilapp.Notifier = notify.NewLog(log)
	if cfg.Notify.URL != "" {
		notifier = notify.NewHTTP(log, cfg.Notify.URL, cfg.Notify.Timeout)
	}
	svc := fulfilapp.NewService(log, orders, notifier)
	consumer := fulfilkafka.NewConsumer(log, cfg.Kafka.Brokers, cfg.Kafka.OrderTopic, cfg.Kafka.ConsumerGroup, svc, idem)

	log.Info("consuming", "topic", cfg.Kafka.OrderTopic, "group", cfg.Kafka.ConsumerGroup)
	if err := consumer.Run(ctx); err != nil {
		log.Error("consumer stopped", "err", err)
	}
	log.Info("fulfillment-service shutdown complete")
}
