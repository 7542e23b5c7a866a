package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/unit-order-engine/pkg/outbox"
	"github.com/dmehra2102/unit-order-engine/pkg/tracing"
)

type EventHandler interface {
	Handles(eventType string) bool
	Handle(ctx context.Context, eventType string, payload []byte) error
}

// Deduper remembers processed events. Seen marks the key and reports whether
// it was already marked.
type Deduper interface {
	EventKey(eventType, aggregateID string) string
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// messageReader is the part of *kafka.Reader the consumer loop uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = 30 * time.Second
)

type Consumer struct {
	log     *slog.Logger
	reader  messageReader
	handler EventHandler
	idem    Deduper
	tracer  trace.Tracer
	backoff time.Duration
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, handler EventHandler, idem Deduper) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{
		log:     log,
		reader:  r,
		handler: handler,
		idem:    idem,
		tracer:  otel.Tracer("fulfillment-consumer"),
		backoff: defaultRetryBackoff,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		// The offset is committed only once the event is handled. A message
		// still failing at shutdown is fetched again by the next reader.
		if !c.processUntilDone(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

// processUntilDone retries msg with capped exponential backoff. It returns
// false when ctx ends first.
func (c *Consumer) processUntilDone(ctx context.Context, msg kafka.Message) bool {
	backoff := c.backoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	for attempt := 1; ; attempt++ {
		// Only the first attempt checks for duplicates; the handler
		// tolerates a repeat.
		err := c.process(ctx, msg, attempt == 1)
		if err == nil {
			return true
		}
		c.log.Warn("event will be retried", "offset", msg.Offset, "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message, dedup bool) error {
	eventType := tracing.HeaderValue(msg.Headers, outbox.HeaderEventType)
	if !c.handler.Handles(eventType) {
		return nil
	}
	orderID := string(msg.Key)

	// Keyed by event and order, so an outbox event published twice is
	// handled once.
	key := c.idem.EventKey(eventType, orderID)
	if dedup {
		seen, err := c.idem.Seen(ctx, key)
		if err != nil {
			return fmt.Errorf("idempotency check %s: %w", key, err)
		}
		if seen {
			c.log.Info("duplicate event skipped", "key", key)
			return nil
		}
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "Consume"+eventType, trace.WithAttributes(
		attribute.String("order_id", orderID),
		attribute.Int64("offset", msg.Offset),
	))
	defer span.End()

	if err := c.handler.Handle(msgCtx, eventType, msg.Value); err != nil {
		span.RecordError(err)
		c.log.Error("event handling failed", "type", eventType, "order_id", orderID, "err", err)
		if fErr := c.idem.Forget(context.WithoutCancel(ctx), key); fErr != nil {
			c.log.Error("idempotency forget failed", "key", key, "err", fErr)
		}
		return err
	}
	c.log.Info("event handled", "type", eventType, "order_id", orderID)
	return nil
}
