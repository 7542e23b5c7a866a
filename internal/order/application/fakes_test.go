package application_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	inventory "github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	"github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/memory"
	"github.com/dmehra2102/unit-order-engine/pkg/outbox"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeGateway struct {
	mu         sync.Mutex
	createErr  error
	queryErr   error
	settled    map[string]bool
	invoices   map[string]string
	queryCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{settled: map[string]bool{}, invoices: map[string]string{}}
}

func (g *fakeGateway) CreateInvoice(_ context.Context, inv application.Invoice) (application.InvoiceRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.createErr != nil {
		return application.InvoiceRef{}, g.createErr
	}
	track := "trk-" + inv.OrderID
	g.invoices[inv.OrderID] = track
	return application.InvoiceRef{PayURL: "https://pay.test/" + track, TrackID: track}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, trackID string) (application.Settlement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.queryCalls++
	if g.queryErr != nil {
		return application.Unsettled, g.queryErr
	}
	if g.settled[trackID] {
		return application.Settled, nil
	}
	return application.Unsettled, nil
}

func (g *fakeGateway) Settle(trackID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settled[trackID] = true
}

func (g *fakeGateway) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErr = err
}

func addUnits(store *memory.Store, catalog, location string, n int) []inventory.Unit {
	units := make([]inventory.Unit, 0, n)
	for i := 0; i < n; i++ {
		u, err := store.AddUnit(context.Background(), inventory.Unit{
			Group:              inventory.Group{CatalogName: catalog, PickupLocation: location},
			Price:              decimal.RequireFromString("20.00"),
			FulfillmentPayload: fmt.Sprintf("%s-%s-code-%d", catalog, location, i+1),
		})
		if err != nil {
			panic(err)
		}
		units = append(units, u)
	}
	return units
}

func eventsOfType(events []outbox.Event, eventType string) []outbox.Event {
	var out []outbox.Event
	for _, e := range events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func liveUnits(store *memory.Store, ids []string) map[int64]string {
	held := map[int64]string{}
	for _, id := range ids {
		o, err := store.Get(context.Background(), id)
		if err != nil || !o.Status.Live() {
			continue
		}
		held[*o.UnitID] = id
	}
	return held
}

var widgetNorth = inventory.Group{CatalogName: "Widget", PickupLocation: "North"}

