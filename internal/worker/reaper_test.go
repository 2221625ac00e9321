package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/ticketing-checkout/internal/adapters/memstore"
	"github.com/robertarktes/ticketing-checkout/internal/checkout"
	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/inventory"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
	"github.com/robertarktes/ticketing-checkout/internal/payment"
	"github.com/robertarktes/ticketing-checkout/internal/pricing"
	"github.com/robertarktes/ticketing-checkout/internal/tickets"
	"github.com/robertarktes/ticketing-checkout/internal/worker"
)

type env struct {
	store  *memstore.Store
	alloc  *inventory.Allocator
	orch   *checkout.Orchestrator
	rec    *payment.Reconciler
	reaper *worker.Reaper
	ga     domain.TicketType
}

// newEnv backdates every reservation so it is already expired.
func newEnv(t *testing.T, opts ...worker.Option) env {
	t.Helper()
	store := memstore.New()
	audit := memstore.NewAuditLog()
	logger := observability.NewNopLogger()
	ga := domain.TicketType{ID: uuid.New(), Cost: decimal.NewFromInt(30), Total: 10}
	store.PutTicketType(ga)

	past := time.Now().Add(-time.Hour)
	alloc := inventory.NewAllocator(store, 10*time.Minute, logger, inventory.WithClock(func() time.Time { return past }))
	rec := payment.NewReconciler(store, alloc, tickets.NewService(store, audit, logger), audit, logger)
	orch := checkout.NewOrchestrator(store, alloc, pricing.NewCatalog(store, decimal.Zero, decimal.Zero), pricing.NewEngine(domain.DefaultScale), domain.DefaultScale, logger)
	opts = append([]worker.Option{worker.WithBackoff(time.Millisecond)}, opts...)
	return env{
		store:  store,
		alloc:  alloc,
		orch:   orch,
		rec:    rec,
		reaper: worker.NewReaper(alloc, rec, logger, 100, 4, opts...),
		ga:     ga,
	}
}

func (e env) checkout(t *testing.T) checkout.Result {
	t.Helper()
	res, err := e.orch.Checkout(context.Background(), checkout.Cart{
		UserID: uuid.New(),
		Lines:  []checkout.CartLine{{Kind: domain.LineTicket, TicketTypeID: e.ga.ID, Quantity: 3}},
		Method: domain.MethodGateway,
	})
	require.NoError(t, err)
	return res
}

func (e env) stock(t *testing.T) domain.TicketType {
	t.Helper()
	tt, err := e.store.GetTicketType(context.Background(), e.ga.ID)
	require.NoError(t, err)
	return tt
}

func TestSweep_CancelsPendingPurchases(t *testing.T) {
	e := newEnv(t)
	res := e.checkout(t)
	require.Equal(t, 3, e.stock(t).Held)

	n, err := e.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := e.rec.Purchase(context.Background(), res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseCancelled, p.Status)
	assert.Equal(t, "reservation expired", p.CancelReason)
	assert.Equal(t, 0, e.stock(t).Held)

	n, err = e.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_ReleasesOrphans(t *testing.T) {
	e := newEnv(t)
	_, err := e.alloc.Reserve(context.Background(), e.ga.ID, 2, inventory.PurchaseContext{PurchaseID: uuid.New()})
	require.NoError(t, err)

	_, err = e.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, e.stock(t).Held)
}

func TestSweep_FulfilsCompletedPurchases(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	res := e.checkout(t)
	// Approved in the store but the process died before fulfilment.
	settlement, _, err := e.store.ApprovePayment(ctx, res.Payment.PaymentID, time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.SettlementApplied, settlement)

	_, err = e.reaper.Sweep(ctx)
	require.NoError(t, err)

	tt := e.stock(t)
	assert.Equal(t, 3, tt.Sold)
	assert.Equal(t, 0, tt.Held)
	issued, err := e.store.ListPurchaseTickets(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Len(t, issued, 3)
}

type fakeLocker struct {
	leader bool
	calls  atomic.Int32
}

func (f *fakeLocker) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	f.calls.Add(1)
	return f.leader, nil
}

func TestRun_OnlyLeaderSweeps(t *testing.T) {
	follower := &fakeLocker{}
	e := newEnv(t, worker.WithLocker(follower))
	e.checkout(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	e.reaper.Run(ctx, 10*time.Millisecond)

	assert.Positive(t, follower.calls.Load())
	assert.Equal(t, 3, e.stock(t).Held)

	leader := &fakeLocker{leader: true}
	e2 := newEnv(t, worker.WithLocker(leader))
	e2.checkout(t)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	e2.reaper.Run(ctx2, 10*time.Millisecond)

	assert.Equal(t, 0, e2.stock(t).Held)
}
