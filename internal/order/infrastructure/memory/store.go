// Package memory is a single-process implementation of the order and unit
// repositories. A mutex stands in for the database transaction, so it is
// only correct when one process owns the data: tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	invapp "github.com/dmehra2102/unit-order-engine/internal/inventory/application"
	inventory "github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/pkg/outbox"
)

const reasonUnitAlreadySold = "unit_already_sold"

type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	units    map[int64]*inventory.Unit
	orders   map[string]*domain.Order
	events   []outbox.Event
	nextUnit int64
	nextEvt  int64
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		units:  map[int64]*inventory.Unit{},
		orders: map[string]*domain.Order{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ application.OrderRepository = (*Store)(nil)
	_ invapp.UnitRepository       = (*Store)(nil)
	_ outbox.Store                = (*Store)(nil)
)

// --- units ---

func (s *Store) AddUnit(_ context.Context, u inventory.Unit) (inventory.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextUnit++
	u.ID = s.nextUnit
	u.CreatedAt = s.now().UTC()
	s.units[u.ID] = &u
	return u, nil
}

func (s *Store) GetUnit(_ context.Context, id int64) (inventory.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[id]
	if !ok {
		return inventory.Unit{}, inventory.ErrNotFound
	}
	return *u, nil
}

func (s *Store) SoftDelete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[id]
	if !ok {
		return inventory.ErrNotFound
	}
	if u.DeletedAt == nil {
		now := s.now().UTC()
		u.DeletedAt = &now
	}
	return nil
}

func (s *Store) FindFreeUnit(_ context.Context, group inventory.Group, ttl time.Duration) (inventory.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := s.freeUnits(group, ttl)
	if len(free) == 0 {
		return inventory.Unit{}, inventory.ErrNotFound
	}
	return *free[0], nil
}

func (s *Store) CountFree(_ context.Context, group inventory.Group, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.freeUnits(group, ttl)), nil
}

func (s *Store) MarkSold(_ context.Context, unitID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		return inventory.ErrNotFound
	}
	if u.Sold {
		return inventory.ErrAlreadySold
	}
	u.Sold = true
	return nil
}

func (s *Store) ListGroup(_ context.Context, catalogName string) ([]inventory.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []inventory.Unit
	for _, u := range s.units {
		if u.Group.CatalogName == catalogName && u.DeletedAt == nil {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group.PickupLocation != out[j].Group.PickupLocation {
			return out[i].Group.PickupLocation < out[j].Group.PickupLocation
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// freeUnits returns sellable units of group without a live reservation,
// lowest id first. Callers hold mu.
func (s *Store) freeUnits(group inventory.Group, ttl time.Duration) []*inventory.Unit {
	now := s.now()
	held := map[int64]bool{}
	for _, o := range s.orders {
		if o.LiveAt(now, ttl) {
			held[*o.UnitID] = true
		}
	}
	var free []*inventory.Unit
	for _, u := range s.units {
		if u.Group == group && u.Sellable() && !held[u.ID] {
			free = append(free, u)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i].ID < free[j].ID })
	return free
}

// --- orders ---

func (s *Store) Allocate(ctx context.Context, o domain.Order, ttl time.Duration) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, lapsed := range s.orders {
		if lapsed.Group != o.Group || !lapsed.Status.Live() || lapsed.LiveAt(now, ttl) {
			continue
		}
		to := domain.StatusExpired
		reason := domain.ReasonTTLElapsed
		if lapsed.Status == domain.StatusPending {
			to, reason = domain.StatusError, domain.ReasonOrphaned
		}
		if err := s.transition(ctx, lapsed, to, reason); err != nil {
			return domain.Order{}, err
		}
	}

	free := s.freeUnits(o.Group, ttl)
	if len(free) == 0 {
		return domain.Order{}, domain.ErrOutOfStock
	}
	u := free[0]
	unitID := u.ID
	o.UnitID = &unitID
	o.PriceSnapshot = u.Price
	o.Status = domain.StatusPending
	o.DeliveryStatus = domain.DeliveryPending
	o.CreatedAt = now.UTC()
	o.UpdatedAt = o.CreatedAt
	stored := o
	s.orders[o.ID] = &stored
	return copyOrder(&stored), nil
}

func (s *Store) AttachInvoice(ctx context.Context, orderID, trackID, payURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Status != domain.StatusPending {
		return false, nil
	}
	o.Status = domain.StatusWaitingPayment
	o.TrackID = trackID
	o.PaymentURL = payURL
	o.UpdatedAt = s.now().UTC()
	return true, s.record(ctx, o.ID, domain.EventOrderCreated, domain.OrderCreated{
		OrderID:        o.ID,
		BuyerID:        o.BuyerID,
		UnitID:         *o.UnitID,
		CatalogName:    o.Group.CatalogName,
		PickupLocation: o.Group.PickupLocation,
		Price:          o.PriceSnapshot,
		TrackID:        trackID,
	})
}

func (s *Store) Transition(ctx context.Context, orderID string, from, to domain.OrderStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	return true, s.transition(ctx, o, to, reason)
}

func (s *Store) transition(ctx context.Context, o *domain.Order, to domain.OrderStatus, reason string) error {
	o.Status = to
	o.UpdatedAt = s.now().UTC()
	return s.record(ctx, o.ID, domain.ReleaseEventType(to), domain.OrderReleased{
		OrderID: o.ID,
		BuyerID: o.BuyerID,
		UnitID:  o.UnitID,
		Status:  to,
		Reason:  reason,
	})
}

func (s *Store) MarkPaid(ctx context.Context, orderID string, cancelCompetitors bool) (application.PaidResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return application.PaidResult{}, domain.ErrNotFound
	}
	if o.Status != domain.StatusWaitingPayment {
		return application.PaidResult{Order: copyOrder(o)}, nil
	}
	u := s.units[*o.UnitID]
	if u.Sold {
		if err := s.transition(ctx, o, domain.StatusError, reasonUnitAlreadySold); err != nil {
			return application.PaidResult{}, err
		}
		return application.PaidResult{Order: copyOrder(o), Conflict: true}, nil
	}

	u.Sold = true
	now := s.now().UTC()
	o.Status = domain.StatusPaid
	o.PaidAt = &now
	o.UpdatedAt = now
	if err := s.record(ctx, o.ID, domain.EventOrderPaid, domain.OrderPaid{
		OrderID: o.ID,
		BuyerID: o.BuyerID,
		UnitID:  u.ID,
		Price:   o.PriceSnapshot,
		TrackID: o.TrackID,
	}); err != nil {
		return application.PaidResult{}, err
	}

	res := application.PaidResult{Won: true}
	if cancelCompetitors {
		var losers []*domain.Order
		for _, c := range s.orders {
			if c.ID != o.ID && c.Group == o.Group && c.Status == domain.StatusWaitingPayment {
				losers = append(losers, c)
			}
		}
		sort.Slice(losers, func(i, j int) bool { return losers[i].CreatedAt.Before(losers[j].CreatedAt) })
		for _, c := range losers {
			if err := s.transition(ctx, c, domain.StatusCancelled, domain.ReasonCompetitorPaid); err != nil {
				return application.PaidResult{}, err
			}
			res.Cancelled = append(res.Cancelled, copyOrder(c))
		}
	}
	res.Order = copyOrder(o)
	return res, nil
}

func (s *Store) MarkDelivered(_ context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Status != domain.StatusPaid || o.DeliveryStatus != domain.DeliveryPending || o.UnitID == nil {
		return false, nil
	}
	if u := s.units[*o.UnitID]; u == nil || !u.Sold {
		return false, nil
	}
	o.DeliveryStatus = domain.DeliveryDelivered
	o.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *Store) Get(_ context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return copyOrder(o), nil
}

func (s *Store) ListStale(_ context.Context, status domain.OrderStatus, age time.Duration, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-age)
	var out []domain.Order
	for _, o := range s.orders {
		if o.Status == status && !o.CreatedAt.After(cutoff) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountLive(_ context.Context, buyerID string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, o := range s.orders {
		if o.BuyerID == buyerID && o.LiveAt(now, ttl) {
			n++
		}
	}
	return n, nil
}

func copyOrder(o *domain.Order) domain.Order {
	c := *o
	if o.UnitID != nil {
		id := *o.UnitID
		c.UnitID = &id
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	return c
}
