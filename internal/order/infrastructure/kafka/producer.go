package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Writer publishes outbox events. Messages carry their own topic, so the
// underlying writer has none.
type Writer struct {
	*kafka.Writer
	tracer trace.Tracer
}

func NewWriter(brokers []string) *Writer {
	return &Writer{
		Writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		tracer: otel.Tracer("order-events-writer"),
	}
}

func (w *Writer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	ctx, span := w.tracer.Start(ctx, "kafka.publish", trace.WithAttributes(attribute.Int("messages", len(msgs))))
	defer span.End()

	if err := w.Writer.WriteMessages(ctx, msgs...); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
