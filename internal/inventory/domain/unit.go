package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound    = errors.New("unit not found")
	ErrAlreadySold = errors.New("unit already sold")
)

// Group identifies the fungible product a buyer asks for: every unit with the
// same catalog name at the same pickup location is interchangeable until one
// of them is committed to an order.
type Group struct {
	CatalogName    string
	PickupLocation string
}

func (g Group) Valid() bool {
	return strings.TrimSpace(g.CatalogName) != "" && strings.TrimSpace(g.PickupLocation) != ""
}

func (g Group) String() string {
	return g.CatalogName + "/" + g.PickupLocation
}

// Unit is one physical sellable item.
type Unit struct {
	ID                 int64
	Group              Group
	Price              decimal.Decimal
	FulfillmentPayload string
	Sold               bool
	CreatedAt          time.Time
	DeletedAt          *time.Time
}

func (u Unit) Sellable() bool {
	return !u.Sold && u.DeletedAt == nil
}
