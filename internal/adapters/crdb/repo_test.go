package crdb_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/robertarktes/ticketing-checkout/internal/adapters/crdb"
	"github.com/robertarktes/ticketing-checkout/internal/adapters/memstore"
	"github.com/robertarktes/ticketing-checkout/internal/checkout"
	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/inventory"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
	"github.com/robertarktes/ticketing-checkout/internal/payment"
	"github.com/robertarktes/ticketing-checkout/internal/pricing"
	"github.com/robertarktes/ticketing-checkout/internal/tickets"
	"github.com/robertarktes/ticketing-checkout/internal/wallet"
)

func newRepository(t *testing.T) *crdb.Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping CockroachDB container test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "26257/tcp")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgresql://root@%s:%s/defaultdb?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := crdb.NewRepository(pool)
	require.NoError(t, repo.Migrate(ctx))
	return repo
}

type services struct {
	repo    *crdb.Repository
	alloc   *inventory.Allocator
	orch    *checkout.Orchestrator
	rec     *payment.Reconciler
	tickets *tickets.Service
	ledger  *wallet.Ledger
}

func newServices(repo *crdb.Repository) services {
	logger := observability.NewNopLogger()
	audit := memstore.NewAuditLog()
	alloc := inventory.NewAllocator(repo, 10*time.Minute, logger)
	issuer := tickets.NewService(repo, audit, logger)
	catalog := pricing.NewCatalog(memstore.New(), decimal.Zero, decimal.Zero)
	return services{
		repo:    repo,
		alloc:   alloc,
		orch:    checkout.NewOrchestrator(repo, alloc, catalog, pricing.NewEngine(domain.DefaultScale), domain.DefaultScale, logger),
		rec:     payment.NewReconciler(repo, alloc, issuer, audit, logger),
		tickets: issuer,
		ledger:  wallet.NewLedger(repo, audit, logger, domain.DefaultScale),
	}
}

func putGA(t *testing.T, repo *crdb.Repository, total int) domain.TicketType {
	t.Helper()
	tt := domain.TicketType{ID: uuid.New(), EventID: uuid.New(), Name: "GA", Cost: decimal.RequireFromString("25"), Total: total}
	require.NoError(t, repo.PutTicketType(context.Background(), tt))
	return tt
}

func TestRepository(t *testing.T) {
	repo := newRepository(t)

	t.Run("stock is never oversold", func(t *testing.T) {
		ctx := context.Background()
		s := newServices(repo)
		tt := putGA(t, repo, 5)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			held int
		)
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.alloc.Reserve(ctx, tt.ID, 1, inventory.PurchaseContext{PurchaseID: uuid.New(), Owner: domain.GuestOwner("g@example.com")})
				if err == nil {
					mu.Lock()
					held++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		got, err := repo.GetTicketType(ctx, tt.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, held, 5)
		assert.Equal(t, held, got.Held)

		for got.Held < got.Total {
			_, err := s.alloc.Reserve(ctx, tt.ID, 1, inventory.PurchaseContext{PurchaseID: uuid.New(), Owner: domain.GuestOwner("g@example.com")})
			require.NoError(t, err)
			got.Held++
		}
		_, err = s.alloc.Reserve(ctx, tt.ID, 1, inventory.PurchaseContext{PurchaseID: uuid.New(), Owner: domain.GuestOwner("g@example.com")})
		assert.True(t, errors.Is(err, domain.ErrOutOfStock), "got %v", err)
	})

	t.Run("gateway purchase completes once", func(t *testing.T) {
		ctx := context.Background()
		s := newServices(repo)
		tt := putGA(t, repo, 10)

		res, err := s.orch.Checkout(ctx, checkout.Cart{
			UserID: uuid.New(),
			Lines:  []checkout.CartLine{{Kind: domain.LineTicket, TicketTypeID: tt.ID, Quantity: 2}},
			Method: domain.MethodGateway,
		})
		require.NoError(t, err)

		ev := payment.GatewayEvent{
			ExternalTxID: "crdb-tx-" + res.Purchase.ID.String(),
			PaymentRef:   res.Payment.PaymentID,
			Amount:       decimal.RequireFromString("50"),
			Outcome:      payment.OutcomeApproved,
		}
		r, err := s.rec.RecordGatewayEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementApplied, r.Settlement)

		r, err = s.rec.RecordGatewayEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementDuplicate, r.Settlement)

		p, err := repo.GetPurchase(ctx, res.Purchase.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PurchaseCompleted, p.Status)
		require.Len(t, p.Lines, 1)

		issued, err := s.tickets.ForPurchase(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, issued, 2)

		got, err := repo.GetTicketType(ctx, tt.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Sold)
		assert.Equal(t, 0, got.Held)

		seen := map[string]int{}
		for {
			n, err := repo.DrainOutbox(ctx, 50, func(_ context.Context, e domain.OutboxEvent) error {
				seen[e.EventType]++
				return nil
			})
			require.NoError(t, err)
			if n == 0 {
				break
			}
		}
		assert.GreaterOrEqual(t, seen[domain.EventPurchaseCreated], 1)
		assert.GreaterOrEqual(t, seen[domain.EventPurchaseCompleted], 1)
		assert.GreaterOrEqual(t, seen[domain.EventTicketIssued], 2)
	})

	t.Run("wallet purchase and gate scan", func(t *testing.T) {
		ctx := context.Background()
		s := newServices(repo)
		tt := putGA(t, repo, 10)
		user := uuid.New()

		_, err := s.ledger.Open(ctx, user)
		require.NoError(t, err)
		_, err = s.ledger.Credit(ctx, user, decimal.RequireFromString("80"), domain.ManualReference())
		require.NoError(t, err)

		res, err := s.orch.Checkout(ctx, checkout.Cart{
			UserID: user,
			Lines:  []checkout.CartLine{{Kind: domain.LineTicket, TicketTypeID: tt.ID, Quantity: 2}},
			Method: domain.MethodWallet,
		})
		require.NoError(t, err)

		r, err := s.rec.RecordWalletDebit(ctx, res.Purchase.ID, decimal.RequireFromString("50"))
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementApplied, r.Settlement)

		balance, err := s.ledger.Balance(ctx, user)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("30").Equal(balance), balance.String())
		ok, err := s.ledger.Verify(ctx, user)
		require.NoError(t, err)
		assert.True(t, ok)

		issued, err := s.tickets.ForPurchase(ctx, res.Purchase.ID)
		require.NoError(t, err)
		require.Len(t, issued, 2)

		first, err := s.tickets.Validate(ctx, issued[0].QRToken, "gate-1")
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeAccepted, first.Outcome)
		second, err := s.tickets.Validate(ctx, issued[0].QRToken, "gate-2")
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeAlreadyUsed, second.Outcome)

		_, err = s.tickets.Revert(ctx, first.Record.ID)
		require.NoError(t, err)
		again, err := s.tickets.Validate(ctx, issued[0].QRToken, "gate-1")
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeAccepted, again.Outcome)

		history, err := s.tickets.History(ctx, issued[0].ID)
		require.NoError(t, err)
		assert.Len(t, history, 3)
	})
}
