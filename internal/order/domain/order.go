package domain

import (
	"time"

	"github.com/shopspring/decimal"

	inventory "github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
)

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusWaitingPayment OrderStatus = "waiting_payment"
	StatusPaid           OrderStatus = "paid"
	StatusCancelled      OrderStatus = "cancelled"
	StatusExpired        OrderStatus = "expired"
	StatusError          OrderStatus = "error"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
)

// LiveStatuses hold a reservation on their unit while younger than the TTL.
var LiveStatuses = []OrderStatus{StatusPending, StatusWaitingPayment}

var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:        {StatusWaitingPayment, StatusError, StatusCancelled, StatusExpired},
	StatusWaitingPayment: {StatusPaid, StatusCancelled, StatusExpired, StatusError},
}

// CanTransition reports whether from -> to is an edge of the order lifecycle.
// Terminal statuses have no outgoing edges.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s OrderStatus) Live() bool {
	return s == StatusPending || s == StatusWaitingPayment
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusWaitingPayment, StatusPaid, StatusCancelled, StatusExpired, StatusError:
		return true
	}
	return false
}

type Order struct {
	ID             string
	BuyerID        string
	UnitID         *int64
	Group          inventory.Group
	PriceSnapshot  decimal.Decimal
	Status         OrderStatus
	DeliveryStatus DeliveryStatus
	TrackID        string
	PaymentURL     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PaidAt         *time.Time
}

func NewOrder(id, buyerID string, group inventory.Group, now time.Time) Order {
	now = now.UTC()
	return Order{
		ID:             id,
		BuyerID:        buyerID,
		Group:          group,
		Status:         StatusPending,
		DeliveryStatus: DeliveryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ExpiresAt is the reservation deadline for a given TTL.
func (o Order) ExpiresAt(ttl time.Duration) time.Time {
	return o.CreatedAt.Add(ttl)
}

// LiveAt reports whether the order still holds its unit at now.
func (o Order) LiveAt(now time.Time, ttl time.Duration) bool {
	return o.Status.Live() && o.UnitID != nil && now.Before(o.ExpiresAt(ttl))
}

func (o Order) Delivered() bool {
	return o.DeliveryStatus == DeliveryDelivered
}
