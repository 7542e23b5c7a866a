package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	inventory "github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/pkg/metrics"
)

type Config struct {
	TTL time.Duration
	// MaxLiveOrders caps unpaid orders per buyer; 0 disables the cap.
	MaxLiveOrders     int
	CancelCompetitors bool
}

type Service struct {
	log     *slog.Logger
	repo    OrderRepository
	ledger  *Ledger
	units   UnitReader
	gateway PaymentGateway
	limiter RateLimiter
	cfg     Config
	now     func() time.Time
	newID   func() string
	tracer  trace.Tracer
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func WithRateLimiter(l RateLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

func NewService(log *slog.Logger, repo OrderRepository, units UnitReader, gateway PaymentGateway, cfg Config, opts ...Option) *Service {
	s := &Service{
		log:     log,
		repo:    repo,
		ledger:  NewLedger(log, repo),
		units:   units,
		gateway: gateway,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
		tracer:  otel.Tracer("order-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ledger() *Ledger { return s.ledger }

type Placement struct {
	Order     domain.Order
	PayURL    string
	ExpiresAt time.Time
}

// CreateOrder reserves a unit of group for buyerID and opens a gateway
// invoice for it. The reservation is committed before the gateway call and
// rolled back (pending -> error) if the invoice cannot be created.
func (s *Service) CreateOrder(ctx context.Context, buyerID string, group inventory.Group) (Placement, error) {
	ctx, span := s.tracer.Start(ctx, "CreateOrder", trace.WithAttributes(
		attribute.String("buyer_id", buyerID),
		attribute.String("group", group.String()),
	))
	defer span.End()

	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return Placement{}, fmt.Errorf("%w: buyer id required", domain.ErrInvalidRequest)
	}
	if s.limiter != nil && !s.limiter.Allow(buyerID) {
		return Placement{}, domain.ErrRateLimited
	}
	if s.cfg.MaxLiveOrders > 0 {
		n, err := s.repo.CountLive(ctx, buyerID, s.cfg.TTL)
		if err != nil {
			return Placement{}, fmt.Errorf("count live orders: %w", err)
		}
		if n >= s.cfg.MaxLiveOrders {
			return Placement{}, domain.ErrTooManyLiveOrders
		}
	}

	o, err := s.ledger.Allocate(ctx, domain.NewOrder(s.newID(), buyerID, group, s.now()), s.cfg.TTL)
	if err != nil {
		return Placement{}, err
	}
	span.SetAttributes(attribute.String("order_id", o.ID), attribute.Int64("unit_id", *o.UnitID))

	ref, err := s.gateway.CreateInvoice(ctx, Invoice{
		OrderID:     o.ID,
		BuyerID:     buyerID,
		Amount:      o.PriceSnapshot,
		Description: fmt.Sprintf("Order %s", o.ID),
	})
	if err != nil {
		s.rollback(ctx, o, err)
		return Placement{}, fmt.Errorf("%w: %w", domain.ErrPaymentInitFailed, err)
	}

	ok, err := s.repo.AttachInvoice(ctx, o.ID, ref.TrackID, ref.PayURL)
	if err != nil {
		s.rollback(ctx, o, err)
		return Placement{}, fmt.Errorf("%w: attach invoice: %w", domain.ErrPaymentInitFailed, err)
	}
	if !ok {
		// Only the orphan sweep moves a pending order, and only after the
		// grace period; reaching this means the invoice call outlived it.
		s.log.Error("order left pending before invoice was attached", "order_id", o.ID,
			"track_id", ref.TrackID, "err", domain.ErrOrphanedReservation)
		return Placement{}, fmt.Errorf("%w: %w", domain.ErrPaymentInitFailed, domain.ErrOrphanedReservation)
	}
	metrics.OrderTransitions.WithLabelValues(string(domain.StatusWaitingPayment)).Inc()

	o.Status = domain.StatusWaitingPayment
	o.TrackID = ref.TrackID
	o.PaymentURL = ref.PayURL
	s.log.Info("order awaiting payment", "order_id", o.ID, "buyer_id", buyerID, "track_id", ref.TrackID)
	return Placement{Order: o, PayURL: ref.PayURL, ExpiresAt: o.ExpiresAt(s.cfg.TTL)}, nil
}

func (s *Service) rollback(ctx context.Context, o domain.Order, cause error) {
	// The caller may have gone away; the unit must be freed regardless.
	ctx = context.WithoutCancel(ctx)
	ok, err := s.ledger.Release(ctx, o.ID, domain.StatusPending, domain.StatusError, domain.ReasonPaymentInit)
	if err != nil || !ok {
		s.log.Error("reservation rollback failed", "order_id", o.ID, "unit_id", *o.UnitID,
			"cause", cause, "err", errors.Join(domain.ErrOrphanedReservation, err))
		return
	}
	s.log.Warn("invoice creation failed, reservation rolled back", "order_id", o.ID, "err", cause)
}

// Cancel is the buyer-initiated release of an unpaid order. Cancelling an
// already cancelled order is a no-op.
func (s *Service) Cancel(ctx context.Context, orderID, buyerID string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "CancelOrder", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	if s.limiter != nil && !s.limiter.Allow(buyerID) {
		return domain.Order{}, domain.ErrRateLimited
	}
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if o.BuyerID != buyerID {
		return domain.Order{}, domain.ErrNotOwner
	}
	if o.Status == domain.StatusCancelled {
		return o, nil
	}
	if o.Status != domain.StatusWaitingPayment {
		return o, fmt.Errorf("%w: order is %s", domain.ErrInvalidTransition, o.Status)
	}

	ok, err := s.ledger.Release(ctx, o.ID, domain.StatusWaitingPayment, domain.StatusCancelled, domain.ReasonBuyerCancelled)
	if err != nil {
		return domain.Order{}, err
	}
	current, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !ok && current.Status != domain.StatusCancelled {
		// A payment or the sweeper got there first.
		return current, fmt.Errorf("%w: order is %s", domain.ErrInvalidTransition, current.Status)
	}
	return current, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return s.repo.Get(ctx, orderID)
}

// CountLiveOrders is the pure read the front-end uses to enforce its own
// per-buyer reservation limit before calling CreateOrder.
func (s *Service) CountLiveOrders(ctx context.Context, buyerID string) (int, error) {
	return s.repo.CountLive(ctx, buyerID, s.cfg.TTL)
}

func (s *Service) Availability(ctx context.Context, group inventory.Group) (int, error) {
	if !group.Valid() {
		return 0, fmt.Errorf("%w: catalog name and pickup location required", domain.ErrInvalidRequest)
	}
	return s.units.CountFree(ctx, group, s.cfg.TTL)
}

func (s *Service) TTL() time.Duration { return s.cfg.TTL }
