package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/pkg/metrics"
)

type SweeperConfig struct {
	TTL      time.Duration
	Interval time.Duration
	Batch    int
	// OrphanGrace is how long an order may stay pending (invoice in flight)
	// before it is treated as stranded.
	OrphanGrace time.Duration
}

type SweepResult struct {
	Expired  int
	Orphaned int
}

// Sweeper releases reservations nobody paid for. It uses the same status CAS
// as the reconciler, so a payment confirmed concurrently always wins or loses
// cleanly.
type Sweeper struct {
	log    *slog.Logger
	repo   OrderRepository
	ledger *Ledger
	cfg    SweeperConfig
}

func NewSweeper(log *slog.Logger, repo OrderRepository, cfg SweeperConfig) *Sweeper {
	if cfg.Batch <= 0 {
		cfg.Batch = 200
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = 2 * time.Minute
	}
	return &Sweeper{log: log, repo: repo, ledger: NewLedger(log, repo), cfg: cfg}
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopping")
			return nil
		case <-t.C:
			res, err := s.SweepOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("sweep failed", "err", err)
			}
			if res.Expired > 0 || res.Orphaned > 0 {
				s.log.Info("sweep finished", "expired", res.Expired, "orphaned", res.Orphaned)
			}
		}
	}
}

// SweepOnce expires unpaid orders older than the TTL and fails orders that
// never got an invoice. Per-order failures are logged and left for the next
// pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	stale, err := s.repo.ListStale(ctx, domain.StatusWaitingPayment, s.cfg.TTL, s.cfg.Batch)
	if err != nil {
		return res, err
	}
	for _, o := range stale {
		ok, err := s.ledger.Release(ctx, o.ID, domain.StatusWaitingPayment, domain.StatusExpired, domain.ReasonTTLElapsed)
		if err != nil {
			s.log.Error("expire order failed", "order_id", o.ID, "err", err)
			continue
		}
		if ok {
			res.Expired++
			metrics.SweptOrders.WithLabelValues(string(domain.StatusExpired)).Inc()
		}
	}

	orphans, err := s.repo.ListStale(ctx, domain.StatusPending, s.cfg.OrphanGrace, s.cfg.Batch)
	if err != nil {
		return res, err
	}
	for _, o := range orphans {
		ok, err := s.ledger.Release(ctx, o.ID, domain.StatusPending, domain.StatusError, domain.ReasonOrphaned)
		if err != nil {
			s.log.Error("fail orphaned order failed", "order_id", o.ID, "err", err)
			continue
		}
		if ok {
			res.Orphaned++
			metrics.SweptOrders.WithLabelValues(string(domain.StatusError)).Inc()
			s.log.Error("orphaned reservation released", "order_id", o.ID, "buyer_id", o.BuyerID,
				"unit_id", unitID(o), "created_at", o.CreatedAt, "err", domain.ErrOrphanedReservation)
		}
	}
	return res, nil
}
