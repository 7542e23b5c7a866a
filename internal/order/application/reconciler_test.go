package application_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inventory "github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/memory"
	"github.com/dmehra2102/unit-order-engine/pkg/logging"
)

type reconcilerFixture struct {
	store      *memory.Store
	gateway    *fakeGateway
	svc        *application.Service
	reconciler *application.Reconciler
}

func newReconcilerFixture(t *testing.T, cancelCompetitors bool) reconcilerFixture {
	t.Helper()
	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	gw := newFakeGateway()
	return reconcilerFixture{
		store:   store,
		gateway: gw,
		svc: application.NewService(logging.Discard(), store, store, gw,
			application.Config{TTL: testTTL, CancelCompetitors: cancelCompetitors}, application.WithClock(clock.Now)),
		reconciler: application.NewReconciler(logging.Discard(), store, gw, cancelCompetitors),
	}
}

func TestReconcileReplayedNotificationPaysOnce(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, true)
	unit := addUnits(f.store, "Widget", "North", 1)[0]

	p, err := f.svc.CreateOrder(ctx, "alice", widgetNorth)
	require.NoError(t, err)
	f.gateway.Settle(p.Order.TrackID)

	n := application.Notification{OrderID: p.Order.ID, TrackID: p.Order.TrackID, ClaimedStatus: "Paid"}
	outcomes := map[application.Outcome]int{}
	for i := 0; i < 5; i++ {
		outcome, err := f.reconciler.Handle(ctx, n)
		require.NoError(t, err)
		outcomes[outcome]++
	}
	assert.Equal(t, 1, outcomes[application.OutcomePaid])
	assert.Equal(t, 4, outcomes[application.OutcomeAlreadyFinal])

	o, err := f.store.Get(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, o.Status)
	assert.NotNil(t, o.PaidAt)

	u, err := f.store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, u.Sold)
	assert.Len(t, eventsOfType(f.store.Events(), domain.EventOrderPaid), 1)
}

func TestReconcileForgedNotification(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, true)
	unit := addUnits(f.store, "Widget", "North", 1)[0]

	p, err := f.svc.CreateOrder(ctx, "alice", widgetNorth)
	require.NoError(t, err)

	outcome, err := f.reconciler.Handle(ctx, application.Notification{
		OrderID: p.Order.ID, TrackID: p.Order.TrackID, ClaimedStatus: "paid",
	})
	require.NoError(t, err)
	assert.Equal(t, application.OutcomeForged, outcome)

	// A settled invoice of some other order cannot be replayed onto this one.
	f.gateway.Settle("trk-other")
	outcome, err = f.reconciler.Handle(ctx, application.Notification{
		OrderID: p.Order.ID, TrackID: "trk-other", ClaimedStatus: "paid",
	})
	require.NoError(t, err)
	assert.Equal(t, application.OutcomeForged, outcome)

	o, err := f.store.Get(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaitingPayment, o.Status)
	u, err := f.store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.False(t, u.Sold)
}

func TestReconcileIgnoresNonFinalStatuses(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, true)
	addUnits(f.store, "Widget", "North", 1)

	p, err := f.svc.CreateOrder(ctx, "alice", widgetNorth)
	require.NoError(t, err)
	f.gateway.Settle(p.Order.TrackID)

	for _, status := range []string{"Waiting", "Confirming", "expired", ""} {
		outcome, err := f.reconciler.Handle(ctx, application.Notification{
			OrderID: p.Order.ID, TrackID: p.Order.TrackID, ClaimedStatus: status,
		})
		require.NoError(t, err)
		assert.Equal(t, application.OutcomeIgnored, outcome, status)
	}
	assert.Zero(t, f.gateway.queryCalls)
}

func TestReconcileUnknownOrder(t *testing.T) {
	f := newReconcilerFixture(t, true)

	outcome, err := f.reconciler.Handle(context.Background(), application.Notification{
		OrderID: "nope", TrackID: "trk-nope", ClaimedStatus: "paid",
	})
	require.NoError(t, err)
	assert.Equal(t, application.OutcomeUnknownOrder, outcome)
}

func TestReconcileGatewayUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, true)
	addUnits(f.store, "Widget", "North", 1)

	p, err := f.svc.CreateOrder(ctx, "alice", widgetNorth)
	require.NoError(t, err)
	f.gateway.queryErr = fmt.Errorf("%w: status rejected: http=429", domain.ErrGatewayUnavailable)

	outcome, err := f.reconciler.Handle(ctx, application.Notification{OrderID: p.Order.ID, ClaimedStatus: "paid"})
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.NotEqual(t, application.OutcomeForged, outcome)

	o, err := f.store.Get(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaitingPayment, o.Status)
}

func TestReconcileCancelsCompetitors(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, true)
	addUnits(f.store, "Widget", "North", 3)
	addUnits(f.store, "Widget", "South", 1)

	winner, err := f.svc.CreateOrder(ctx, "alice", widgetNorth)
	require.NoError(t, err)
	loser, err := f.svc.CreateOrder(ctx, "bob", widgetNorth)
	require.NoError(t, err)
	other, err := f.svc.CreateOrder(ctx, "carol", inventory.Group{CatalogName: "Widget", PickupLocation: "South"})
	require.NoError(t, err)

	f.gateway.Settle(winner.Order.TrackID)
	outcome, err := f.reconciler.Handle(ctx, application.Notification{
		OrderID: winner.Order.ID, TrackID: winner.Order.TrackID, ClaimedStatus: "confirmed",
	})
	require.NoError(t, err)
	assert.Equal(t, application.OutcomePaid, outcome)

	l, err := f.store.Get(ctx, loser.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, l.Status)

	o, err := f.store.Get(ctx, other.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaitingPayment, o.Status)

	cancelled := eventsOfType(f.store.Events(), domain.EventOrderCancelled)
	require.Len(t, cancelled, 1)
	assert.Contains(t, string(cancelled[0].Payload), domain.ReasonCompetitorPaid)

	// The late payer's notification no longer moves anything.
	f.gateway.Settle(loser.Order.TrackID)
	outcome, err = f.reconciler.Handle(ctx, application.Notification{
		OrderID: loser.Order.ID, TrackID: loser.Order.TrackID, ClaimedStatus: "paid",
	})
	require.NoError(t, err)
	assert.Equal(t, application.OutcomeAlreadyFinal, outcome)
}

func TestReconcileKeepsCompetitorsWhenDisabled(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, false)
	addUnits(f.store, "Widget", "North", 2)

	winner, err := f.svc.CreateOrder(ctx, "alice", widgetNorth)
	require.NoError(t, err)
	second, err := f.svc.CreateOrder(ctx, "bob", widgetNorth)
	require.NoError(t, err)

	f.gateway.Settle(winner.Order.TrackID)
	_, err = f.reconciler.Handle(ctx, application.Notification{OrderID: winner.Order.ID, ClaimedStatus: "paid"})
	require.NoError(t, err)

	s, err := f.store.Get(ctx, second.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaitingPayment, s.Status)
}

func TestClaimsSuccess(t *testing.T) {
	for _, s := range []string{"paid", "Paid", " CONFIRMED ", "complete", "Completed"} {
		assert.True(t, application.ClaimsSuccess(s), s)
	}
	for _, s := range []string{"", "waiting", "expired", "refunded"} {
		assert.False(t, application.ClaimsSuccess(s), s)
	}
}
