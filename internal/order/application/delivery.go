package application

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/pkg/metrics"
)

type Delivery struct {
	Order   domain.Order
	Payload string
}

// Deliver hands out the fulfillment payload of a paid order exactly once.
// Later calls return domain.ErrAlreadyDelivered; unpaid orders return
// domain.ErrNotReady.
func (s *Service) Deliver(ctx context.Context, orderID string) (Delivery, error) {
	ctx, span := s.tracer.Start(ctx, "DeliverOrder", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return Delivery{}, err
	}
	if o.Status != domain.StatusPaid || o.UnitID == nil {
		metrics.Deliveries.WithLabelValues("not_ready").Inc()
		return Delivery{Order: o}, fmt.Errorf("%w: order is %s", domain.ErrNotReady, o.Status)
	}
	if o.Delivered() {
		metrics.Deliveries.WithLabelValues("already_delivered").Inc()
		return Delivery{Order: o}, domain.ErrAlreadyDelivered
	}

	// Read the payload first so a successful flip always has something to hand out.
	unit, err := s.units.GetUnit(ctx, *o.UnitID)
	if err != nil {
		return Delivery{}, fmt.Errorf("load unit %d: %w", *o.UnitID, err)
	}

	ok, err := s.repo.MarkDelivered(ctx, orderID)
	if err != nil {
		return Delivery{}, fmt.Errorf("mark delivered: %w", err)
	}
	if !ok {
		metrics.Deliveries.WithLabelValues("already_delivered").Inc()
		return Delivery{Order: o}, domain.ErrAlreadyDelivered
	}

	metrics.Deliveries.WithLabelValues("delivered").Inc()
	o.DeliveryStatus = domain.DeliveryDelivered
	s.log.Info("order delivered", "order_id", o.ID, "buyer_id", o.BuyerID, "unit_id", unit.ID)
	return Delivery{Order: o, Payload: unit.FulfillmentPayload}, nil
}
