package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
)

const (
	lockKey       = "tro:reaper:leader"
	expiredReason = "reservation expired"
	maxRetries    = 3
)

type Inventory interface {
	Expired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
	Release(ctx context.Context, token uuid.UUID) error
}

type Purchases interface {
	Purchase(ctx context.Context, id uuid.UUID) (domain.Purchase, error)
	Cancel(ctx context.Context, purchaseID uuid.UUID, reason string) (domain.Purchase, error)
	Fulfil(ctx context.Context, purchaseID uuid.UUID) error
}

// Locker elects a single reaper when several workers share a store.
type Locker interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
}

type Reaper struct {
	inv         Inventory
	purchases   Purchases
	locker      Locker
	logger      observability.Logger
	batch       int
	concurrency int
	backoff     time.Duration
	id          string
	now         func() time.Time
}

type Option func(*Reaper)

func WithLocker(l Locker) Option {
	return func(r *Reaper) { r.locker = l }
}

func WithBackoff(d time.Duration) Option {
	return func(r *Reaper) { r.backoff = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

func NewReaper(inv Inventory, purchases Purchases, logger observability.Logger, batch, concurrency int, opts ...Option) *Reaper {
	r := &Reaper{
		inv:         inv,
		purchases:   purchases,
		logger:      logger,
		batch:       batch,
		concurrency: concurrency,
		backoff:     time.Second,
		id:          uuid.NewString(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.locker != nil {
				leader, err := r.locker.AcquireLock(ctx, lockKey, r.id, interval)
				if err != nil {
					r.logger.WithError(err).Warn("reaper lock unavailable")
					continue
				}
				if !leader {
					continue
				}
			}
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.WithError(err).Error("sweep failed")
				continue
			}
			if n > 0 {
				r.logger.WithField("purchases", n).Info("expired reservations handled")
			}
		}
	}
}

// Sweep handles one batch of expired reservations and reports how many
// purchases it touched. Reservations are grouped by purchase so each
// purchase is settled once, whatever its number of lines.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ctx, span := observability.StartSpan(ctx, "worker.Sweep")
	defer span.End()

	expired, err := r.inv.Expired(ctx, r.now(), r.batch)
	if err != nil {
		return 0, errors.Wrap(err, "list expired reservations")
	}
	groups := make(map[uuid.UUID][]domain.Reservation)
	var order []uuid.UUID
	for _, res := range expired {
		if _, ok := groups[res.PurchaseID]; !ok {
			order = append(order, res.PurchaseID)
		}
		groups[res.PurchaseID] = append(groups[res.PurchaseID], res)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, purchaseID := range order {
		purchaseID, reservations := purchaseID, groups[purchaseID]
		g.Go(func() error {
			if err := r.withRetry(gctx, func() error { return r.settle(gctx, purchaseID, reservations) }); err != nil {
				// One stuck purchase must not stop the batch.
				r.logger.WithField("purchase_id", purchaseID).WithError(err).Error("expired purchase not settled")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(order), nil
}

func (r *Reaper) settle(ctx context.Context, purchaseID uuid.UUID, reservations []domain.Reservation) error {
	p, err := r.purchases.Purchase(ctx, purchaseID)
	if errors.Is(err, domain.ErrPurchaseNotFound) {
		// Checkout never got to persist the purchase.
		return r.release(ctx, reservations)
	}
	if err != nil {
		return err
	}

	if p.Status == domain.PurchasePending {
		_, err = r.purchases.Cancel(ctx, purchaseID, expiredReason)
		if err == nil {
			observability.SweepReleasedTotal.WithLabelValues("cancelled").Inc()
			return nil
		}
		if !errors.Is(err, domain.ErrPurchaseTerminal) {
			return err
		}
		// Settled by a payment in the meantime.
		if p, err = r.purchases.Purchase(ctx, purchaseID); err != nil {
			return err
		}
	}

	if p.Status == domain.PurchaseCompleted {
		if err := r.purchases.Fulfil(ctx, purchaseID); err != nil {
			return err
		}
		observability.SweepReleasedTotal.WithLabelValues("committed").Inc()
		return nil
	}
	return r.release(ctx, reservations)
}

func (r *Reaper) release(ctx context.Context, reservations []domain.Reservation) error {
	for _, res := range reservations {
		if err := r.inv.Release(ctx, res.ID); err != nil {
			return err
		}
		observability.SweepReleasedTotal.WithLabelValues("released").Inc()
	}
	return nil
}

func (r *Reaper) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff * time.Duration(1<<i)):
		}
	}
	return errors.Wrapf(err, "failed after %d retries", maxRetries)
}
