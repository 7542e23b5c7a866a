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

	inventory "github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
	invpg "github.com/dmehra2102/unit-order-engine/internal/inventory/infrastructure/postgres"
	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
)

const reasonUnitAlreadySold = "unit_already_sold"

const orderColumns = `id, buyer_id, unit_id, catalog_name, pickup_location, price_snapshot::text,
	status, delivery_status, COALESCE(gateway_track_id, ''), COALESCE(payment_url, ''),
	created_at, updated_at, paid_at`

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

var _ application.OrderRepository = (*Repository)(nil)

func (r *Repository) Allocate(ctx context.Context, o domain.Order, ttl time.Duration) (domain.Order, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Order{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Serialises allocations of one group; released at commit.
	if err := lockGroup(ctx, tx, o.Group); err != nil {
		return domain.Order{}, err
	}

	if err := r.releaseLapsed(ctx, tx, o.Group, ttl); err != nil {
		return domain.Order{}, err
	}

	u, err := invpg.FindFreeUnit(ctx, tx, o.Group, ttl, true)
	if errors.Is(err, inventory.ErrNotFound) {
		return domain.Order{}, domain.ErrOutOfStock
	}
	if err != nil {
		return domain.Order{}, err
	}

	unitID := u.ID
	o.UnitID = &unitID
	o.PriceSnapshot = u.Price
	o.Status = domain.StatusPending
	o.DeliveryStatus = domain.DeliveryPending
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (id, buyer_id, unit_id, catalog_name, pickup_location, price_snapshot, status, delivery_status)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8)
		RETURNING created_at, updated_at`,
		o.ID, o.BuyerID, unitID, o.Group.CatalogName, o.Group.PickupLocation, u.Price.String(),
		string(o.Status), string(o.DeliveryStatus),
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Order{}, fmt.Errorf("unit %d already reserved: %w", unitID, err)
		}
		return domain.Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// releaseLapsed moves live orders of group older than ttl out of the live
// set: waiting_payment expires, pending (invoice never attached) fails.
func (r *Repository) releaseLapsed(ctx context.Context, tx pgx.Tx, group inventory.Group, ttl time.Duration) error {
	rows, err := tx.Query(ctx, `
		UPDATE orders
		SET status = CASE WHEN status = 'pending' THEN 'error' ELSE 'expired' END, updated_at = now()
		WHERE catalog_name = $1 AND pickup_location = $2
		  AND status IN ('pending', 'waiting_payment')
		  AND created_at <= now() - make_interval(secs => $3)
		RETURNING `+orderColumns,
		group.CatalogName, group.PickupLocation, ttl.Seconds())
	if err != nil {
		return err
	}
	lapsed, err := collectOrders(rows)
	if err != nil {
		return err
	}
	for _, o := range lapsed {
		reason := domain.ReasonTTLElapsed
		if o.Status == domain.StatusError {
			reason = domain.ReasonOrphaned
		}
		if err := insertRelease(ctx, tx, o, reason); err != nil {
			return err
		}
		r.log.Info("lapsed reservation released", "order_id", o.ID, "status", o.Status)
	}
	return nil
}

func (r *Repository) AttachInvoice(ctx context.Context, orderID, trackID, payURL string) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	o, err := scanOrder(tx.QueryRow(ctx, `
		UPDATE orders SET status = 'waiting_payment', gateway_track_id = $2, payment_url = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+orderColumns, orderID, trackID, payURL))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = insertEvent(ctx, tx, o.ID, domain.EventOrderCreated, domain.OrderCreated{
		OrderID:        o.ID,
		BuyerID:        o.BuyerID,
		UnitID:         derefUnit(o.UnitID),
		CatalogName:    o.Group.CatalogName,
		PickupLocation: o.Group.PickupLocation,
		Price:          o.PriceSnapshot,
		TrackID:        trackID,
	})
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (r *Repository) Transition(ctx context.Context, orderID string, from, to domain.OrderStatus, reason string) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	o, err := scanOrder(tx.QueryRow(ctx, `
		UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns, orderID, string(from), string(to)))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := insertRelease(ctx, tx, o, reason); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (r *Repository) MarkPaid(ctx context.Context, orderID string, cancelCompetitors bool) (application.PaidResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return application.PaidResult{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Payers of one group take the allocation lock before any row lock, so
	// cancelling each other's orders cannot deadlock. The group of an order
	// never changes, so reading it unlocked is safe.
	var group inventory.Group
	err = tx.QueryRow(ctx, `SELECT catalog_name, pickup_location FROM orders WHERE id = $1`, orderID).
		Scan(&group.CatalogName, &group.PickupLocation)
	if errors.Is(err, pgx.ErrNoRows) {
		return application.PaidResult{}, domain.ErrNotFound
	}
	if err != nil {
		return application.PaidResult{}, err
	}
	if err := lockGroup(ctx, tx, group); err != nil {
		return application.PaidResult{}, err
	}

	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		return application.PaidResult{}, err
	}
	if o.Status != domain.StatusWaitingPayment || o.UnitID == nil {
		return application.PaidResult{Order: o}, nil
	}

	err = invpg.MarkSold(ctx, tx, *o.UnitID)
	if errors.Is(err, inventory.ErrAlreadySold) {
		o, err = scanOrder(tx.QueryRow(ctx, `
			UPDATE orders SET status = 'error', updated_at = now() WHERE id = $1
			RETURNING `+orderColumns, orderID))
		if err != nil {
			return application.PaidResult{}, err
		}
		if err := insertRelease(ctx, tx, o, reasonUnitAlreadySold); err != nil {
			return application.PaidResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return application.PaidResult{}, err
		}
		return application.PaidResult{Order: o, Conflict: true}, nil
	}
	if err != nil {
		return application.PaidResult{}, err
	}

	o, err = scanOrder(tx.QueryRow(ctx, `
		UPDATE orders SET status = 'paid', paid_at = now(), updated_at = now() WHERE id = $1
		RETURNING `+orderColumns, orderID))
	if err != nil {
		return application.PaidResult{}, err
	}
	err = insertEvent(ctx, tx, o.ID, domain.EventOrderPaid, domain.OrderPaid{
		OrderID: o.ID,
		BuyerID: o.BuyerID,
		UnitID:  *o.UnitID,
		Price:   o.PriceSnapshot,
		TrackID: o.TrackID,
	})
	if err != nil {
		return application.PaidResult{}, err
	}

	res := application.PaidResult{Order: o, Won: true}
	if cancelCompetitors {
		rows, err := tx.Query(ctx, `
			UPDATE orders SET status = 'cancelled', updated_at = now()
			WHERE catalog_name = $1 AND pickup_location = $2 AND status = 'waiting_payment' AND id <> $3
			RETURNING `+orderColumns,
			o.Group.CatalogName, o.Group.PickupLocation, o.ID)
		if err != nil {
			return application.PaidResult{}, err
		}
		losers, err := collectOrders(rows)
		if err != nil {
			return application.PaidResult{}, err
		}
		for _, c := range losers {
			if err := insertRelease(ctx, tx, c, domain.ReasonCompetitorPaid); err != nil {
				return application.PaidResult{}, err
			}
		}
		res.Cancelled = losers
	}

	if err := tx.Commit(ctx); err != nil {
		return application.PaidResult{}, err
	}
	return res, nil
}

func (r *Repository) MarkDelivered(ctx context.Context, orderID string) (bool, error) {
	ct, err := r.pool.Exec(ctx, `
		UPDATE orders o SET delivery_status = 'delivered', updated_at = now()
		FROM inventory_units u
		WHERE o.id = $1 AND o.status = 'paid' AND o.delivery_status = 'pending'
		  AND u.id = o.unit_id AND u.sold`, orderID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, err
}

func (r *Repository) ListStale(ctx context.Context, status domain.OrderStatus, age time.Duration, limit int) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND created_at <= now() - make_interval(secs => $2)
		ORDER BY created_at
		LIMIT $3`, string(status), age.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (r *Repository) CountLive(ctx context.Context, buyerID string, ttl time.Duration) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM orders
		WHERE buyer_id = $1 AND status IN ('pending', 'waiting_payment') AND unit_id IS NOT NULL
		  AND created_at > now() - make_interval(secs => $2)`, buyerID, ttl.Seconds()).Scan(&n)
	return n, err
}

func insertRelease(ctx context.Context, tx pgx.Tx, o domain.Order, reason string) error {
	return insertEvent(ctx, tx, o.ID, domain.ReleaseEventType(o.Status), domain.OrderReleased{
		OrderID: o.ID,
		BuyerID: o.BuyerID,
		UnitID:  o.UnitID,
		Status:  o.Status,
		Reason:  reason,
	})
}

func insertEvent(ctx context.Context, tx pgx.Tx, orderID, eventType string, payload any) error {
	ev, err := newEvent(ctx, orderID, eventType, payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')`,
		ev.AggregateType, ev.AggregateID, ev.Type, ev.Payload, ev.Headers, ev.Traceparent)
	return err
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var price, status, delivery string
	if err := row.Scan(&o.ID, &o.BuyerID, &o.UnitID, &o.Group.CatalogName, &o.Group.PickupLocation, &price,
		&status, &delivery, &o.TrackID, &o.PaymentURL, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt); err != nil {
		return domain.Order{}, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s price %q: %w", o.ID, price, err)
	}
	o.PriceSnapshot = p
	o.Status = domain.OrderStatus(status)
	o.DeliveryStatus = domain.DeliveryStatus(delivery)
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func derefUnit(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func lockGroup(ctx context.Context, tx pgx.Tx, g inventory.Group) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, g.String()); err != nil {
		return fmt.Errorf("group lock %s: %w", g, err)
	}
	return nil
}
