package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/memory"
	"github.com/dmehra2102/unit-order-engine/pkg/logging"
)

func TestConcurrentCreateNeverOversells(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	gw := newFakeGateway()
	svc := application.NewService(logging.Discard(), store, store, gw, application.Config{TTL: time.Hour})
	addUnits(store, "Widget", "North", 3)

	const buyers = 50
	var (
		mu      sync.Mutex
		placed  []string
		outOf   int
		unknown []error
		wg      sync.WaitGroup
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := svc.CreateOrder(ctx, fmt.Sprintf("buyer-%d", i), widgetNorth)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				placed = append(placed, p.Order.ID)
			case errors.Is(err, domain.ErrOutOfStock):
				outOf++
			default:
				unknown = append(unknown, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, unknown)
	assert.Len(t, placed, 3)
	assert.Equal(t, buyers-3, outOf)
	assert.Len(t, liveUnits(store, placed), 3)
}

// Random interleavings of buyers, payments, cancels, clock jumps and sweeps
// must never leave a unit with two live holders or a sold unit without
// exactly one paid order.
func TestLedgerInvariantsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		clock := newFakeClock()
		store := memory.NewStore(memory.WithClock(clock.Now))
		gw := newFakeGateway()
		ttl := time.Minute
		cancelCompetitors := rapid.Bool().Draw(t, "cancelCompetitors")
		svc := application.NewService(logging.Discard(), store, store, gw,
			application.Config{TTL: ttl, CancelCompetitors: cancelCompetitors}, application.WithClock(clock.Now))
		reconciler := application.NewReconciler(logging.Discard(), store, gw, cancelCompetitors)
		sweeper := application.NewSweeper(logging.Discard(), store, application.SweeperConfig{TTL: ttl, Interval: time.Second})

		units := addUnits(store, "Widget", "North", rapid.IntRange(1, 4).Draw(t, "units"))
		var orders []domain.Order

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				buyer := rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "buyer")
				p, err := svc.CreateOrder(ctx, buyer, widgetNorth)
				if err != nil {
					require.ErrorIs(t, err, domain.ErrOutOfStock)
					continue
				}
				orders = append(orders, p.Order)
			case 1:
				if len(orders) == 0 {
					continue
				}
				o := rapid.SampledFrom(orders).Draw(t, "pay")
				gw.Settle(o.TrackID)
				_, err := reconciler.Handle(ctx, application.Notification{OrderID: o.ID, TrackID: o.TrackID, ClaimedStatus: "paid"})
				require.NoError(t, err)
			case 2:
				if len(orders) == 0 {
					continue
				}
				o := rapid.SampledFrom(orders).Draw(t, "cancel")
				_, err := svc.Cancel(ctx, o.ID, o.BuyerID)
				if err != nil {
					require.ErrorIs(t, err, domain.ErrInvalidTransition)
				}
			case 3:
				clock.Advance(time.Duration(rapid.IntRange(1, 90).Draw(t, "advance")) * time.Second)
			case 4:
				_, err := sweeper.SweepOnce(ctx)
				require.NoError(t, err)
			}
			checkLedger(t, store, orders, units[0].ID, len(units), clock.Now(), ttl)
		}
	})
}

func checkLedger(t *rapid.T, store *memory.Store, orders []domain.Order, firstUnit int64, nUnits int, now time.Time, ttl time.Duration) {
	ctx := context.Background()
	live := map[int64]int{}
	paid := map[int64]int{}
	for _, placed := range orders {
		o, err := store.Get(ctx, placed.ID)
		require.NoError(t, err)
		if o.LiveAt(now, ttl) {
			live[*o.UnitID]++
		}
		if o.Status == domain.StatusPaid {
			paid[*o.UnitID]++
		}
	}
	for id := firstUnit; id < firstUnit+int64(nUnits); id++ {
		u, err := store.GetUnit(ctx, id)
		require.NoError(t, err)
		if live[id] > 1 {
			t.Fatalf("unit %d held by %d live orders", id, live[id])
		}
		if u.Sold && paid[id] != 1 {
			t.Fatalf("sold unit %d has %d paid orders", id, paid[id])
		}
		if !u.Sold && paid[id] != 0 {
			t.Fatalf("unsold unit %d has a paid order", id)
		}
		if u.Sold && live[id] != 0 {
			t.Fatalf("sold unit %d still reserved", id)
		}
	}
}
