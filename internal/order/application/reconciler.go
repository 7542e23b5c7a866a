package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/pkg/metrics"
)

// Notification is a gateway callback after key normalization. Nothing in it
// is trusted beyond choosing which order to look at.
type Notification struct {
	OrderID       string
	TrackID       string
	ClaimedStatus string
}

type Outcome string

const (
	OutcomeIgnored      Outcome = "ignored"
	OutcomeUnknownOrder Outcome = "unknown_order"
	OutcomeAlreadyFinal Outcome = "already_final"
	OutcomeForged       Outcome = "forged"
	OutcomePaid         Outcome = "paid"
	OutcomeLostRace     Outcome = "lost_race"
	OutcomeConflict     Outcome = "conflict"
)

// ClaimsSuccess reports whether a gateway status string is a terminal
// success code.
func ClaimsSuccess(status string) bool {
	return domain.IsSettledStatus(status)
}

type Reconciler struct {
	log               *slog.Logger
	repo              OrderRepository
	gateway           PaymentGateway
	cancelCompetitors bool
	tracer            trace.Tracer
}

func NewReconciler(log *slog.Logger, repo OrderRepository, gateway PaymentGateway, cancelCompetitors bool) *Reconciler {
	return &Reconciler{
		log:               log,
		repo:              repo,
		gateway:           gateway,
		cancelCompetitors: cancelCompetitors,
		tracer:            otel.Tracer("payment-reconciler"),
	}
}

// Handle applies one notification. Every step can be repeated safely. A nil
// error means the notification should be acknowledged whatever the outcome;
// errors are transient (gateway or storage) and the sender should retry.
func (r *Reconciler) Handle(ctx context.Context, n Notification) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "ReconcilePayment", trace.WithAttributes(
		attribute.String("order_id", n.OrderID),
		attribute.String("track_id", n.TrackID),
		attribute.String("claimed_status", n.ClaimedStatus),
	))
	defer span.End()

	outcome, err := r.handle(ctx, n)
	if err != nil {
		metrics.ReconcileOutcomes.WithLabelValues("error").Inc()
		span.RecordError(err)
		return outcome, err
	}
	metrics.ReconcileOutcomes.WithLabelValues(string(outcome)).Inc()
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return outcome, nil
}

func (r *Reconciler) handle(ctx context.Context, n Notification) (Outcome, error) {
	log := r.log.With("order_id", n.OrderID, "track_id", n.TrackID, "claimed_status", n.ClaimedStatus)

	if !ClaimsSuccess(n.ClaimedStatus) {
		log.Info("non-final payment notification")
		return OutcomeIgnored, nil
	}

	o, err := r.repo.Get(ctx, n.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("payment notification for unknown order")
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", fmt.Errorf("load order: %w", err)
	}
	if o.Status != domain.StatusWaitingPayment {
		log.Info("payment notification for settled order", "status", o.Status)
		return OutcomeAlreadyFinal, nil
	}

	// Only the track id we stored when the invoice was created is queried;
	// a notification cannot point us at some other settled invoice.
	trackID := o.TrackID
	if n.TrackID != "" && n.TrackID != trackID {
		log.Warn("notification track id does not match order", "stored_track_id", trackID,
			"err", domain.ErrForgedNotification)
		return OutcomeForged, nil
	}
	settlement, err := r.gateway.QueryStatus(ctx, trackID)
	if err != nil {
		return "", fmt.Errorf("query gateway: %w", err)
	}
	if settlement != Settled {
		log.Warn("gateway does not confirm payment", "settlement", settlement.String(),
			"err", domain.ErrForgedNotification)
		return OutcomeForged, nil
	}

	res, err := r.repo.MarkPaid(ctx, o.ID, r.cancelCompetitors)
	if err != nil {
		return "", fmt.Errorf("mark paid: %w", err)
	}
	if res.Conflict {
		metrics.OrderTransitions.WithLabelValues(string(domain.StatusError)).Inc()
		log.Error("paid order's unit was already sold", "unit_id", unitID(res.Order),
			"err", domain.ErrOrphanedReservation)
		return OutcomeConflict, nil
	}
	if !res.Won {
		log.Info("payment already reconciled by a concurrent delivery")
		return OutcomeLostRace, nil
	}

	metrics.OrderTransitions.WithLabelValues(string(domain.StatusPaid)).Inc()
	for _, c := range res.Cancelled {
		metrics.OrderTransitions.WithLabelValues(string(domain.StatusCancelled)).Inc()
		log.Info("competing reservation cancelled", "cancelled_order_id", c.ID, "buyer_id", c.BuyerID)
	}
	log.Info("order paid", "buyer_id", res.Order.BuyerID, "unit_id", unitID(res.Order),
		"competitors_cancelled", len(res.Cancelled))
	return OutcomePaid, nil
}

func unitID(o domain.Order) int64 {
	if o.UnitID == nil {
		return 0
	}
	return *o.UnitID
}
