package memory

import (
	"context"
	"time"

	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/pkg/outbox"
	"github.com/dmehra2102/unit-order-engine/pkg/tracing"
)

// record appends an outbox event. Callers hold mu.
func (s *Store) record(ctx context.Context, orderID, eventType string, payload any) error {
	ev, err := outbox.NewEvent(domain.AggregateOrder, orderID, eventType, payload,
		map[string]string{"source": "order-engine"}, tracing.Traceparent(ctx))
	if err != nil {
		return err
	}
	s.nextEvt++
	ev.ID = s.nextEvt
	ev.CreatedAt = s.now().UTC()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of every recorded event in commit order.
func (s *Store) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]outbox.Event(nil), s.events...)
}

func (s *Store) LockBatch(_ context.Context, relayID string, batchSize int, _ time.Duration) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []outbox.Event
	for i := range s.events {
		if len(out) == batchSize {
			break
		}
		if s.events[i].Status != outbox.StatusPending {
			continue
		}
		s.events[i].Status = outbox.StatusInProgress
		s.events[i].RelayID = relayID
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *Store) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setStatus(ids, outbox.StatusSent, "")
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setStatus([]int64{id}, outbox.StatusPending, errMsg)
	return nil
}

func (s *Store) ExtendLease(context.Context, string, []int64, time.Duration) error {
	return nil
}

func (s *Store) setStatus(ids []int64, status outbox.Status, errMsg string) {
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.events {
		if !want[s.events[i].ID] {
			continue
		}
		s.events[i].Status = status
		if errMsg != "" {
			msg := errMsg
			s.events[i].LastError = &msg
			s.events[i].RetryCount++
			if s.events[i].RetryCount >= outbox.MaxRetries {
				s.events[i].Status = outbox.StatusFailed
			}
		}
	}
}
