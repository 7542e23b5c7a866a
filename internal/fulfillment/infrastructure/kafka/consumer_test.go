package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	orderdom "github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/pkg/logging"
	"github.com/dmehra2102/unit-order-engine/pkg/outbox"
)

type memDeduper struct {
	keys      map[string]bool
	forgotten []string
	seenErr   error
}

func (d *memDeduper) EventKey(eventType, aggregateID string) string {
	return eventType + ":" + aggregateID
}

func (d *memDeduper) Seen(_ context.Context, key string) (bool, error) {
	if d.seenErr != nil {
		return false, d.seenErr
	}
	if d.keys[key] {
		return true, nil
	}
	d.keys[key] = true
	return false, nil
}

func (d *memDeduper) Forget(_ context.Context, key string) error {
	delete(d.keys, key)
	d.forgotten = append(d.forgotten, key)
	return nil
}

type countingHandler struct {
	calls map[string]int
	err   error
	// failures makes the next n calls fail before err applies.
	failures int
}

func (h *countingHandler) Handles(eventType string) bool {
	return eventType == orderdom.EventOrderPaid
}

func (h *countingHandler) Handle(_ context.Context, eventType string, _ []byte) error {
	h.calls[eventType]++
	if h.failures > 0 {
		h.failures--
		return errors.New("deliver: db down")
	}
	return h.err
}

// queueReader hands out queued messages, then blocks until ctx ends.
type queueReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	onDrained func()
}

func (r *queueReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	if r.onDrained != nil {
		r.onDrained()
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *queueReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *queueReader) Close() error { return nil }

func newTestConsumer(h EventHandler, d Deduper) *Consumer {
	return &Consumer{log: logging.Discard(), handler: h, idem: d, tracer: otel.Tracer("test"), backoff: time.Millisecond}
}

func message(eventType, orderID string, offset int64) kafka.Message {
	return kafka.Message{
		Key:     []byte(orderID),
		Value:   []byte(`{}`),
		Offset:  offset,
		Headers: []kafka.Header{{Key: outbox.HeaderEventType, Value: []byte(eventType)}},
	}
}

func TestProcessSkipsDuplicates(t *testing.T) {
	h := &countingHandler{calls: map[string]int{}}
	d := &memDeduper{keys: map[string]bool{}}
	c := newTestConsumer(h, d)
	ctx := context.Background()

	require.NoError(t, c.process(ctx, message(orderdom.EventOrderPaid, "o1", 0), true))
	require.NoError(t, c.process(ctx, message(orderdom.EventOrderPaid, "o1", 1), true))
	require.NoError(t, c.process(ctx, message(orderdom.EventOrderPaid, "o2", 2), true))
	require.NoError(t, c.process(ctx, message(orderdom.EventOrderCreated, "o1", 3), true))

	assert.Equal(t, 2, h.calls[orderdom.EventOrderPaid])
	assert.Zero(t, h.calls[orderdom.EventOrderCreated])
}

func TestProcessForgetsFailedEvents(t *testing.T) {
	h := &countingHandler{calls: map[string]int{}, err: errors.New("boom")}
	d := &memDeduper{keys: map[string]bool{}}
	c := newTestConsumer(h, d)

	err := c.process(context.Background(), message(orderdom.EventOrderPaid, "o1", 0), true)
	require.Error(t, err)
	assert.Equal(t, []string{orderdom.EventOrderPaid + ":o1"}, d.forgotten)
	assert.False(t, d.keys[orderdom.EventOrderPaid+":o1"])
}

func TestRunCommitsOnlyAfterHandling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &countingHandler{calls: map[string]int{}, failures: 2}
	d := &memDeduper{keys: map[string]bool{}}
	r := &queueReader{
		queue: []kafka.Message{
			message(orderdom.EventOrderPaid, "o1", 7),
			message(orderdom.EventOrderPaid, "o2", 8),
		},
		onDrained: cancel,
	}
	c := newTestConsumer(h, d)
	c.reader = r

	require.NoError(t, c.Run(ctx))

	assert.Equal(t, 4, h.calls[orderdom.EventOrderPaid], "o1 retried twice before o2")
	require.Len(t, r.committed, 2)
	assert.Equal(t, int64(7), r.committed[0].Offset)
	assert.Equal(t, int64(8), r.committed[1].Offset)
}

func TestRunRetriesWhenDedupStoreFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &countingHandler{calls: map[string]int{}}
	d := &memDeduper{keys: map[string]bool{}, seenErr: errors.New("redis: connection refused")}
	r := &queueReader{queue: []kafka.Message{message(orderdom.EventOrderPaid, "o1", 3)}, onDrained: cancel}
	c := newTestConsumer(h, d)
	c.reader = r

	require.NoError(t, c.Run(ctx))

	assert.Equal(t, 1, h.calls[orderdom.EventOrderPaid])
	require.Len(t, r.committed, 1)
	assert.Equal(t, int64(3), r.committed[0].Offset)
}

func TestRunLeavesFailingEventUncommitted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	h := &countingHandler{calls: map[string]int{}, err: errors.New("deliver o1: db down")}
	d := &memDeduper{keys: map[string]bool{}}
	r := &queueReader{queue: []kafka.Message{message(orderdom.EventOrderPaid, "o1", 5)}}
	c := newTestConsumer(h, d)
	c.reader = r

	require.NoError(t, c.Run(ctx))

	assert.GreaterOrEqual(t, h.calls[orderdom.EventOrderPaid], 2)
	assert.Empty(t, r.committed)
	assert.False(t, d.keys[orderdom.EventOrderPaid+":o1"], "key released for redelivery")
}
