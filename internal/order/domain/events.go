package domain

import "github.com/shopspring/decimal"

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderPaid      = "OrderPaid"
	EventOrderCancelled = "OrderCancelled"
	EventOrderExpired   = "OrderExpired"
	EventOrderFailed    = "OrderFailed"
)

const AggregateOrder = "order"

// Release reasons carried by OrderCancelled/OrderExpired/OrderFailed.
const (
	ReasonBuyerCancelled = "buyer_cancelled"
	ReasonCompetitorPaid = "competitor_paid"
	ReasonTTLElapsed     = "ttl_elapsed"
	ReasonPaymentInit    = "payment_init_failed"
	ReasonOrphaned       = "orphaned_reservation"
)

type OrderCreated struct {
	OrderID        string          `json:"order_id"`
	BuyerID        string          `json:"buyer_id"`
	UnitID         int64           `json:"unit_id"`
	CatalogName    string          `json:"catalog_name"`
	PickupLocation string          `json:"pickup_location"`
	Price          decimal.Decimal `json:"price"`
	TrackID        string          `json:"track_id"`
}

type OrderPaid struct {
	OrderID string          `json:"order_id"`
	BuyerID string          `json:"buyer_id"`
	UnitID  int64           `json:"unit_id"`
	Price   decimal.Decimal `json:"price"`
	TrackID string          `json:"track_id"`
}

// OrderReleased is the payload of OrderCancelled, OrderExpired and OrderFailed.
type OrderReleased struct {
	OrderID string      `json:"order_id"`
	BuyerID string      `json:"buyer_id"`
	UnitID  *int64      `json:"unit_id,omitempty"`
	Status  OrderStatus `json:"status"`
	Reason  string      `json:"reason"`
}

// ReleaseEventType maps a terminal release status to its event type.
func ReleaseEventType(s OrderStatus) string {
	switch s {
	case StatusExpired:
		return EventOrderExpired
	case StatusError:
		return EventOrderFailed
	default:
		return EventOrderCancelled
	}
}
