package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
)

var ErrInvalidUnit = errors.New("invalid unit")

type Service struct {
	log  *slog.Logger
	repo UnitRepository
}

func NewService(log *slog.Logger, repo UnitRepository) *Service {
	return &Service{log: log, repo: repo}
}

// FindFreeUnit returns the lowest-id unit of the group that is unsold and not
// held by a live reservation.
func (s *Service) FindFreeUnit(ctx context.Context, group domain.Group, ttl time.Duration) (domain.Unit, error) {
	if !group.Valid() {
		return domain.Unit{}, fmt.Errorf("%w: empty group", ErrInvalidUnit)
	}
	return s.repo.FindFreeUnit(ctx, group, ttl)
}

// MarkSold flips the sold flag. A second call for the same unit reports
// domain.ErrAlreadySold and changes nothing.
func (s *Service) MarkSold(ctx context.Context, unitID int64) error {
	err := s.repo.MarkSold(ctx, unitID)
	if errors.Is(err, domain.ErrAlreadySold) {
		s.log.Warn("unit already sold", "unit_id", unitID)
	}
	return err
}

// CountFree is the number of units of group a new order could get now.
func (s *Service) CountFree(ctx context.Context, group domain.Group, ttl time.Duration) (int, error) {
	if !group.Valid() {
		return 0, fmt.Errorf("%w: empty group", ErrInvalidUnit)
	}
	return s.repo.CountFree(ctx, group, ttl)
}

func (s *Service) AddUnit(ctx context.Context, u domain.Unit) (domain.Unit, error) {
	u.Group.CatalogName = strings.TrimSpace(u.Group.CatalogName)
	u.Group.PickupLocation = strings.TrimSpace(u.Group.PickupLocation)
	if !u.Group.Valid() {
		return domain.Unit{}, fmt.Errorf("%w: catalog name and pickup location required", ErrInvalidUnit)
	}
	if !u.Price.IsPositive() {
		return domain.Unit{}, fmt.Errorf("%w: price must be positive", ErrInvalidUnit)
	}
	if u.FulfillmentPayload == "" {
		return domain.Unit{}, fmt.Errorf("%w: fulfillment payload required", ErrInvalidUnit)
	}
	u.Sold = false
	created, err := s.repo.AddUnit(ctx, u)
	if err != nil {
		return domain.Unit{}, err
	}
	s.log.Info("unit added", "unit_id", created.ID, "group", created.Group.String())
	return created, nil
}

func (s *Service) GetUnit(ctx context.Context, id int64) (domain.Unit, error) {
	return s.repo.GetUnit(ctx, id)
}

// Remove soft-deletes a unit; orders keep referencing it.
func (s *Service) Remove(ctx context.Context, id int64) error {
	return s.repo.SoftDelete(ctx, id)
}

func (s *Service) ListGroup(ctx context.Context, catalogName string) ([]domain.Unit, error) {
	catalogName = strings.TrimSpace(catalogName)
	if catalogName == "" {
		return nil, fmt.Errorf("%w: catalog name required", ErrInvalidUnit)
	}
	return s.repo.ListGroup(ctx, catalogName)
}
