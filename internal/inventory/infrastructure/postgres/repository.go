package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx so the unit statements can
// run standalone or inside an order transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// freeUnitPredicate selects sellable units of a group ($1, $2) that no live
// order younger than $3 seconds references.
const freeUnitPredicate = `
	u.catalog_name = $1 AND u.pickup_location = $2
	AND NOT u.sold AND u.deleted_at IS NULL
	AND NOT EXISTS (
		SELECT 1 FROM orders o
		WHERE o.unit_id = u.id
		  AND o.status IN ('pending', 'waiting_payment')
		  AND o.created_at > now() - make_interval(secs => $3)
	)`

const unitColumns = `u.id, u.catalog_name, u.pickup_location, u.price::text, u.fulfillment_payload, u.sold, u.created_at, u.deleted_at`

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{
		log:  log,
		pool: pool,
	}
}

func (r *Repository) FindFreeUnit(ctx context.Context, group domain.Group, ttl time.Duration) (domain.Unit, error) {
	return FindFreeUnit(ctx, r.pool, group, ttl, false)
}

func (r *Repository) MarkSold(ctx context.Context, unitID int64) error {
	return MarkSold(ctx, r.pool, unitID)
}

func (r *Repository) CountFree(ctx context.Context, group domain.Group, ttl time.Duration) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM inventory_units u WHERE`+freeUnitPredicate,
		group.CatalogName, group.PickupLocation, ttl.Seconds()).Scan(&n)
	return n, err
}

func (r *Repository) AddUnit(ctx context.Context, u domain.Unit) (domain.Unit, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO inventory_units (catalog_name, pickup_location, price, fulfillment_payload)
		VALUES ($1, $2, $3::numeric, $4)
		RETURNING id, created_at`,
		u.Group.CatalogName, u.Group.PickupLocation, u.Price.String(), u.FulfillmentPayload,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return domain.Unit{}, err
	}
	return u, nil
}

func (r *Repository) GetUnit(ctx context.Context, id int64) (domain.Unit, error) {
	return GetUnit(ctx, r.pool, id)
}

func (r *Repository) SoftDelete(ctx context.Context, id int64) error {
	ct, err := r.pool.Exec(ctx, `UPDATE inventory_units SET deleted_at = COALESCE(deleted_at, now()) WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) ListGroup(ctx context.Context, catalogName string) ([]domain.Unit, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+unitColumns+` FROM inventory_units u
		WHERE u.catalog_name = $1 AND u.deleted_at IS NULL
		ORDER BY u.pickup_location, u.id`, catalogName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// FindFreeUnit returns the lowest-id free unit of group. With forUpdate the
// row stays locked until q's transaction ends.
func FindFreeUnit(ctx context.Context, q Querier, group domain.Group, ttl time.Duration, forUpdate bool) (domain.Unit, error) {
	sql := `SELECT ` + unitColumns + ` FROM inventory_units u WHERE` + freeUnitPredicate + ` ORDER BY u.id LIMIT 1`
	if forUpdate {
		sql += ` FOR UPDATE OF u`
	}
	u, err := scanUnit(q.QueryRow(ctx, sql, group.CatalogName, group.PickupLocation, ttl.Seconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Unit{}, domain.ErrNotFound
	}
	return u, err
}

// MarkSold flips sold once; a second call returns domain.ErrAlreadySold and
// touches nothing.
func MarkSold(ctx context.Context, q Querier, unitID int64) error {
	ct, err := q.Exec(ctx, `UPDATE inventory_units SET sold = true WHERE id = $1 AND NOT sold`, unitID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_units WHERE id = $1)`, unitID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrAlreadySold
}

func GetUnit(ctx context.Context, q Querier, id int64) (domain.Unit, error) {
	u, err := scanUnit(q.QueryRow(ctx, `SELECT `+unitColumns+` FROM inventory_units u WHERE u.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Unit{}, domain.ErrNotFound
	}
	return u, err
}

func scanUnit(row pgx.Row) (domain.Unit, error) {
	var u domain.Unit
	var price string
	if err := row.Scan(&u.ID, &u.Group.CatalogName, &u.Group.PickupLocation, &price,
		&u.FulfillmentPayload, &u.Sold, &u.CreatedAt, &u.DeletedAt); err != nil {
		return domain.Unit{}, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.Unit{}, fmt.Errorf("unit %d price %q: %w", u.ID, price, err)
	}
	u.Price = p
	return u, nil
}
