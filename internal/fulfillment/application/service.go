// Package application turns order events into deliveries and buyer
// notifications.
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	orderapp "github.com/dmehra2102/unit-order-engine/internal/order/application"
	orderdom "github.com/dmehra2102/unit-order-engine/internal/order/domain"
)

type Deliverer interface {
	Deliver(ctx context.Context, orderID string) (orderapp.Delivery, error)
}

// Notifier pushes buyer-facing messages to the front-end.
type Notifier interface {
	Delivered(ctx context.Context, buyerID, orderID, payload string) error
	Released(ctx context.Context, buyerID, orderID, status, reason string) error
}

type handlerFunc func(ctx context.Context, payload []byte) error

type Service struct {
	log       *slog.Logger
	deliverer Deliverer
	notifier  Notifier
	attempts  int
	backoff   time.Duration
	handlers  map[string]handlerFunc
}

type Option func(*Service)

// WithRetry sets how often a notification is attempted and the base delay
// between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.attempts = attempts
		}
		s.backoff = backoff
	}
}

func NewService(log *slog.Logger, deliverer Deliverer, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		log:       log,
		deliverer: deliverer,
		notifier:  notifier,
		attempts:  3,
		backoff:   200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[string]handlerFunc{
		orderdom.EventOrderPaid:      s.onPaid,
		orderdom.EventOrderCancelled: s.onReleased,
		orderdom.EventOrderExpired:   s.onReleased,
	}
	return s
}

// Handles reports whether eventType has a handler.
func (s *Service) Handles(eventType string) bool {
	_, ok := s.handlers[eventType]
	return ok
}

// Handle dispatches one event. Unknown event types are skipped.
func (s *Service) Handle(ctx context.Context, eventType string, payload []byte) error {
	h, ok := s.handlers[eventType]
	if !ok {
		s.log.Debug("event ignored", "type", eventType)
		return nil
	}
	return h(ctx, payload)
}

func (s *Service) onPaid(ctx context.Context, payload []byte) error {
	var ev orderdom.OrderPaid
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode %s: %w", orderdom.EventOrderPaid, err)
	}

	d, err := s.deliverer.Deliver(ctx, ev.OrderID)
	switch {
	case errors.Is(err, orderdom.ErrAlreadyDelivered):
		s.log.Info("order already delivered", "order_id", ev.OrderID)
		return nil
	case errors.Is(err, orderdom.ErrNotReady):
		s.log.Warn("paid event for order not ready", "order_id", ev.OrderID, "err", err)
		return nil
	case err != nil:
		return fmt.Errorf("deliver %s: %w", ev.OrderID, err)
	}

	// The order is marked delivered at this point; the payload only reaches
	// the buyer through this notification.
	return s.retry(ctx, func() error {
		return s.notifier.Delivered(ctx, d.Order.BuyerID, d.Order.ID, d.Payload)
	}, "order_id", ev.OrderID)
}

func (s *Service) onReleased(ctx context.Context, payload []byte) error {
	var ev orderdom.OrderReleased
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode release: %w", err)
	}
	return s.retry(ctx, func() error {
		return s.notifier.Released(ctx, ev.BuyerID, ev.OrderID, string(ev.Status), ev.Reason)
	}, "order_id", ev.OrderID)
}

func (s *Service) retry(ctx context.Context, fn func() error, attrs ...any) error {
	var err error
	for i := 0; i < s.attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		s.log.Warn("notify failed", append(attrs, "attempt", i+1, "err", err)...)
		if i == s.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(i+1)):
		}
	}
	return err
}
