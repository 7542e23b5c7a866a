package application

import (
	"context"
	"time"

	"github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
)

type UnitRepository interface {
	FindFreeUnit(ctx context.Context, group domain.Group, ttl time.Duration) (domain.Unit, error)
	MarkSold(ctx context.Context, unitID int64) error
	CountFree(ctx context.Context, group domain.Group, ttl time.Duration) (int, error)
	AddUnit(ctx context.Context, u domain.Unit) (domain.Unit, error)
	GetUnit(ctx context.Context, id int64) (domain.Unit, error)
	SoftDelete(ctx context.Context, id int64) error
	// ListGroup returns the live (not soft-deleted) units of a catalog entry
	// across all pickup locations, ordered by location then id.
	ListGroup(ctx context.Context, catalogName string) ([]domain.Unit, error)
}
