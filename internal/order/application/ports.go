package application

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	inventory "github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
)

// OrderRepository is the ledger's persistence. Every status change is a
// compare-and-set on the current status and writes its outbox event in the
// same transaction.
type OrderRepository interface {
	// Allocate attaches the lowest-id free unit of o.Group to o and stores o
	// as pending, atomically with respect to every other Allocate.
	// It returns domain.ErrOutOfStock when the group has no free unit.
	Allocate(ctx context.Context, o domain.Order, ttl time.Duration) (domain.Order, error)
	// AttachInvoice moves a pending order to waiting_payment.
	AttachInvoice(ctx context.Context, orderID, trackID, payURL string) (bool, error)
	Transition(ctx context.Context, orderID string, from, to domain.OrderStatus, reason string) (bool, error)
	// MarkPaid moves a waiting_payment order to paid, marks its unit sold and
	// optionally cancels the live orders competing for the same group.
	MarkPaid(ctx context.Context, orderID string, cancelCompetitors bool) (PaidResult, error)
	// MarkDelivered flips delivery_status to delivered for a paid order whose
	// unit is sold.
	MarkDelivered(ctx context.Context, orderID string) (bool, error)
	Get(ctx context.Context, id string) (domain.Order, error)
	ListStale(ctx context.Context, status domain.OrderStatus, age time.Duration, limit int) ([]domain.Order, error)
	CountLive(ctx context.Context, buyerID string, ttl time.Duration) (int, error)
}

type PaidResult struct {
	Order domain.Order
	// Won is false when the CAS found the order no longer waiting_payment.
	Won bool
	// Conflict is set when the unit was already sold to someone else; the
	// order was moved to error instead of paid.
	Conflict  bool
	Cancelled []domain.Order
}

type UnitReader interface {
	GetUnit(ctx context.Context, id int64) (inventory.Unit, error)
	CountFree(ctx context.Context, group inventory.Group, ttl time.Duration) (int, error)
}

type Invoice struct {
	OrderID     string
	BuyerID     string
	Amount      decimal.Decimal
	Description string
}

type InvoiceRef struct {
	PayURL  string
	TrackID string
}

type Settlement int

const (
	Unsettled Settlement = iota
	Settled
)

func (s Settlement) String() string {
	if s == Settled {
		return "settled"
	}
	return "unsettled"
}

// PaymentGateway creates invoices and answers settlement queries. Both calls
// block on the network; failures wrap domain.ErrGatewayUnavailable.
type PaymentGateway interface {
	CreateInvoice(ctx context.Context, inv Invoice) (InvoiceRef, error)
	QueryStatus(ctx context.Context, trackID string) (Settlement, error)
}

type RateLimiter interface {
	Allow(key string) bool
}
