package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	inventory "github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/memory"
	"github.com/dmehra2102/unit-order-engine/pkg/logging"
	"github.com/dmehra2102/unit-order-engine/pkg/ratelimit"
)

const testTTL = 45 * time.Minute

type ServiceSuite struct {
	suite.Suite
	ctx        context.Context
	clock      *fakeClock
	store      *memory.Store
	gateway    *fakeGateway
	svc        *application.Service
	reconciler *application.Reconciler
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = newFakeClock()
	s.store = memory.NewStore(memory.WithClock(s.clock.Now))
	s.gateway = newFakeGateway()
	s.svc = s.newService(application.Config{TTL: testTTL, CancelCompetitors: true})
	s.reconciler = application.NewReconciler(logging.Discard(), s.store, s.gateway, true)
}

func (s *ServiceSuite) newService(cfg application.Config, opts ...application.Option) *application.Service {
	opts = append([]application.Option{application.WithClock(s.clock.Now)}, opts...)
	return application.NewService(logging.Discard(), s.store, s.store, s.gateway, cfg, opts...)
}

func (s *ServiceSuite) pay(o domain.Order) {
	s.gateway.Settle(o.TrackID)
	outcome, err := s.reconciler.Handle(s.ctx, application.Notification{OrderID: o.ID, TrackID: o.TrackID, ClaimedStatus: "Paid"})
	s.Require().NoError(err)
	s.Require().Equal(application.OutcomePaid, outcome)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) TestCreateOrderReservesLowestUnit() {
	units := addUnits(s.store, "Widget", "North", 2)

	p, err := s.svc.CreateOrder(s.ctx, "alice", widgetNorth)
	s.Require().NoError(err)

	s.Equal(domain.StatusWaitingPayment, p.Order.Status)
	s.Require().NotNil(p.Order.UnitID)
	s.Equal(units[0].ID, *p.Order.UnitID)
	s.True(decimal.RequireFromString("20").Equal(p.Order.PriceSnapshot))
	s.Equal("https://pay.test/trk-"+p.Order.ID, p.PayURL)
	s.Equal(s.clock.Now().Add(testTTL), p.ExpiresAt)

	stored, err := s.store.Get(s.ctx, p.Order.ID)
	s.Require().NoError(err)
	s.Equal("trk-"+p.Order.ID, stored.TrackID)
	s.Len(eventsOfType(s.store.Events(), domain.EventOrderCreated), 1)
}

func (s *ServiceSuite) TestOutOfStock() {
	addUnits(s.store, "Widget", "North", 1)

	_, err := s.svc.CreateOrder(s.ctx, "alice", widgetNorth)
	s.Require().NoError(err)

	_, err = s.svc.CreateOrder(s.ctx, "bob", widgetNorth)
	s.ErrorIs(err, domain.ErrOutOfStock)

	_, err = s.svc.CreateOrder(s.ctx, "bob", widgetNorth)
	s.ErrorIs(err, domain.ErrOutOfStock)
}

func (s *ServiceSuite) TestInvalidRequest() {
	_, err := s.svc.CreateOrder(s.ctx, "", widgetNorth)
	s.ErrorIs(err, domain.ErrInvalidRequest)

	_, err = s.svc.CreateOrder(s.ctx, "alice", inventory.Group{CatalogName: "Widget"})
	s.ErrorIs(err, domain.ErrInvalidRequest)
}

func (s *ServiceSuite) TestInvoiceFailureReleasesReservation() {
	addUnits(s.store, "Widget", "North", 1)
	s.gateway.Fail(fmt.Errorf("%w: timeout", domain.ErrGatewayUnavailable))

	_, err := s.svc.CreateOrder(s.ctx, "alice", widgetNorth)
	s.Require().Error(err)
	s.ErrorIs(err, domain.ErrPaymentInitFailed)
	s.ErrorIs(err, domain.ErrGatewayUnavailable)

	free, err := s.svc.Availability(s.ctx, widgetNorth)
	s.Require().NoError(err)
	s.Equal(1, free)

	failed := eventsOfType(s.store.Events(), domain.EventOrderFailed)
	s.Require().Len(failed, 1)
	s.Contains(string(failed[0].Payload), domain.ReasonPaymentInit)

	s.gateway.Fail(nil)
	p, err := s.svc.CreateOrder(s.ctx, "bob", widgetNorth)
	s.Require().NoError(err)
	s.Equal(domain.StatusWaitingPayment, p.Order.Status)
}

func (s *ServiceSuite) TestCancel() {
	addUnits(s.store, "Widget", "North", 1)
	p, err := s.svc.CreateOrder(s.ctx, "alice", widgetNorth)
	s.Require().NoError(err)

	_, err = s.svc.Cancel(s.ctx, p.Order.ID, "mallory")
	s.ErrorIs(err, domain.ErrNotOwner)

	o, err := s.svc.Cancel(s.ctx, p.Order.ID, "alice")
	s.Require().NoError(err)
	s.Equal(domain.StatusCancelled, o.Status)

	o, err = s.svc.Cancel(s.ctx, p.Order.ID, "alice")
	s.Require().NoError(err)
	s.Equal(domain.StatusCancelled, o.Status)
	s.Len(eventsOfType(s.store.Events(), domain.EventOrderCancelled), 1)

	free, err := s.svc.Availability(s.ctx, widgetNorth)
	s.Require().NoError(err)
	s.Equal(1, free)

	_, err = s.svc.Cancel(s.ctx, "missing", "alice")
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *ServiceSuite) TestCancelPaidOrderRejected() {
	addUnits(s.store, "Widget", "North", 1)
	p, err := s.svc.CreateOrder(s.ctx, "alice", widgetNorth)
	s.Require().NoError(err)
	s.pay(p.Order)

	_, err = s.svc.Cancel(s.ctx, p.Order.ID, "alice")
	s.ErrorIs(err, domain.ErrInvalidTransition)
}

func (s *ServiceSuite) TestLiveOrderCount() {
	addUnits(s.store, "Widget", "North", 3)
	svc := s.newService(application.Config{TTL: testTTL, MaxLiveOrders: 2})

	for i := 0; i < 2; i++ {
		_, err := svc.CreateOrder(s.ctx, "alice", widgetNorth)
		s.Require().NoError(err)
	}
	n, err := svc.CountLiveOrders(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(2, n)

	_, err = svc.CreateOrder(s.ctx, "alice", widgetNorth)
	s.ErrorIs(err, domain.ErrTooManyLiveOrders)

	s.clock.Advance(testTTL + time.Second)
	n, err = svc.CountLiveOrders(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(0, n)
}

func (s *ServiceSuite) TestRateLimited() {
	addUnits(s.store, "Widget", "North", 2)
	svc := s.newService(application.Config{TTL: testTTL}, application.WithRateLimiter(ratelimit.New(time.Minute, 100)))

	_, err := svc.CreateOrder(s.ctx, "alice", widgetNorth)
	s.Require().NoError(err)
	_, err = svc.CreateOrder(s.ctx, "alice", widgetNorth)
	s.ErrorIs(err, domain.ErrRateLimited)

	_, err = svc.CreateOrder(s.ctx, "bob", widgetNorth)
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestDeliverOnce() {
	units := addUnits(s.store, "Widget", "North", 1)
	p, err := s.svc.CreateOrder(s.ctx, "alice", widgetNorth)
	s.Require().NoError(err)

	_, err = s.svc.Deliver(s.ctx, p.Order.ID)
	s.ErrorIs(err, domain.ErrNotReady)

	s.pay(p.Order)

	d, err := s.svc.Deliver(s.ctx, p.Order.ID)
	s.Require().NoError(err)
	s.Equal(units[0].FulfillmentPayload, d.Payload)
	s.Equal(domain.DeliveryDelivered, d.Order.DeliveryStatus)

	_, err = s.svc.Deliver(s.ctx, p.Order.ID)
	s.ErrorIs(err, domain.ErrAlreadyDelivered)
}

func (s *ServiceSuite) TestConcurrentDeliverHandsOutPayloadOnce() {
	addUnits(s.store, "Widget", "North", 1)
	p, err := s.svc.CreateOrder(s.ctx, "alice", widgetNorth)
	s.Require().NoError(err)
	s.pay(p.Order)

	var mu sync.Mutex
	delivered := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.Deliver(s.ctx, p.Order.ID)
			if err == nil {
				mu.Lock()
				delivered++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrAlreadyDelivered) {
				s.Fail("unexpected error", err)
			}
		}()
	}
	wg.Wait()
	s.Equal(1, delivered)
}

func (s *ServiceSuite) TestWidgetNorthScenario() {
	ttl := time.Second
	svc := s.newService(application.Config{TTL: ttl})
	sweeper := application.NewSweeper(logging.Discard(), s.store, application.SweeperConfig{TTL: ttl, Interval: time.Second})
	u1 := addUnits(s.store, "Widget", "North", 1)[0]

	o1, err := svc.CreateOrder(s.ctx, "A", widgetNorth)
	s.Require().NoError(err)
	s.Equal(domain.StatusWaitingPayment, o1.Order.Status)

	_, err = svc.CreateOrder(s.ctx, "B", widgetNorth)
	s.ErrorIs(err, domain.ErrOutOfStock)

	s.clock.Advance(ttl + time.Millisecond)
	res, err := sweeper.SweepOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Expired)

	expired, err := s.store.Get(s.ctx, o1.Order.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusExpired, expired.Status)

	o2, err := svc.CreateOrder(s.ctx, "B", widgetNorth)
	s.Require().NoError(err)
	s.Equal(domain.StatusWaitingPayment, o2.Order.Status)
	s.Equal(u1.ID, *o2.Order.UnitID)
}

func (s *ServiceSuite) TestLapsedReservationReclaimedWithoutSweep() {
	u1 := addUnits(s.store, "Widget", "North", 1)[0]

	o1, err := s.svc.CreateOrder(s.ctx, "A", widgetNorth)
	s.Require().NoError(err)

	s.clock.Advance(testTTL)
	o2, err := s.svc.CreateOrder(s.ctx, "B", widgetNorth)
	s.Require().NoError(err)
	s.Equal(u1.ID, *o2.Order.UnitID)

	old, err := s.store.Get(s.ctx, o1.Order.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusExpired, old.Status)
	s.Len(eventsOfType(s.store.Events(), domain.EventOrderExpired), 1)
}
