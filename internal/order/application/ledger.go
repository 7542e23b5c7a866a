package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/pkg/metrics"
)

// Ledger owns reservations: which order holds which unit and until when.
// A unit is free again as soon as its order leaves the live statuses, so
// releasing is a single status transition.
type Ledger struct {
	log  *slog.Logger
	repo OrderRepository
}

func NewLedger(log *slog.Logger, repo OrderRepository) *Ledger {
	return &Ledger{log: log, repo: repo}
}

func (l *Ledger) Allocate(ctx context.Context, o domain.Order, ttl time.Duration) (domain.Order, error) {
	if !o.Group.Valid() {
		return domain.Order{}, fmt.Errorf("%w: catalog name and pickup location required", domain.ErrInvalidRequest)
	}
	if ttl <= 0 {
		return domain.Order{}, fmt.Errorf("%w: ttl must be positive", domain.ErrInvalidRequest)
	}
	allocated, err := l.repo.Allocate(ctx, o, ttl)
	if errors.Is(err, domain.ErrOutOfStock) {
		metrics.Allocations.WithLabelValues("out_of_stock").Inc()
		return domain.Order{}, err
	}
	if err != nil {
		metrics.Allocations.WithLabelValues("error").Inc()
		return domain.Order{}, fmt.Errorf("allocate: %w", err)
	}
	metrics.Allocations.WithLabelValues("ok").Inc()
	l.log.Info("unit reserved", "order_id", allocated.ID, "buyer_id", allocated.BuyerID,
		"unit_id", *allocated.UnitID, "group", allocated.Group.String())
	return allocated, nil
}

// Release moves a live order to a terminal release status. It reports false
// when the order had already left from, which callers treat as a lost race.
func (l *Ledger) Release(ctx context.Context, orderID string, from, to domain.OrderStatus, reason string) (bool, error) {
	switch to {
	case domain.StatusCancelled, domain.StatusExpired, domain.StatusError:
	default:
		return false, fmt.Errorf("%w: release to %s", domain.ErrInvalidTransition, to)
	}
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	ok, err := l.repo.Transition(ctx, orderID, from, to, reason)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", orderID, err)
	}
	if ok {
		metrics.OrderTransitions.WithLabelValues(string(to)).Inc()
		l.log.Info("reservation released", "order_id", orderID, "from", from, "to", to, "reason", reason)
	}
	return ok, nil
}
