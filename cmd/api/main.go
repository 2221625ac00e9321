package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/ticketing-checkout/internal/adapters/crdb"
	"github.com/robertarktes/ticketing-checkout/internal/adapters/memstore"
	mongoadapter "github.com/robertarktes/ticketing-checkout/internal/adapters/mongo"
	"github.com/robertarktes/ticketing-checkout/internal/adapters/qrcode"
	redisadapter "github.com/robertarktes/ticketing-checkout/internal/adapters/redis"
	"github.com/robertarktes/ticketing-checkout/internal/checkout"
	"github.com/robertarktes/ticketing-checkout/internal/config"
	httphandler "github.com/robertarktes/ticketing-checkout/internal/http"
	"github.com/robertarktes/ticketing-checkout/internal/idempotency"
	"github.com/robertarktes/ticketing-checkout/internal/inventory"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
	"github.com/robertarktes/ticketing-checkout/internal/payment"
	"github.com/robertarktes/ticketing-checkout/internal/pricing"
	"github.com/robertarktes/ticketing-checkout/internal/rateLimit"
	"github.com/robertarktes/ticketing-checkout/internal/tickets"
	"github.com/robertarktes/ticketing-checkout/internal/wallet"
)

// store is everything the services need from persistence. Both the
// CockroachDB repository and the in-memory store satisfy it.
type store interface {
	inventory.Store
	checkout.Store
	payment.Store
	tickets.Store
	wallet.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.RequireAudit(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOTel(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)
	ready := map[string]httphandler.Pinger{}

	var (
		repo       store
		promotions pricing.PromotionStore
		audit      tickets.Auditor
	)
	switch cfg.Store {
	case config.StoreMemory:
		mem := memstore.New()
		repo, promotions, audit = mem, mem, memstore.NewAuditLog()
		logger.Warn("using in-memory store; state is lost on restart")
	default:
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			log.Fatalf("failed to connect to crdb: %v", err)
		}
		defer pool.Close()
		crdbRepo := crdb.NewRepository(pool)
		if err := crdbRepo.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate crdb: %v", err)
		}
		repo = crdbRepo
		ready["crdb"] = crdbRepo
	}

	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		mongoDB := mongoClient.Database(cfg.MongoDB)
		promotions = mongoadapter.NewPromotionCatalog(mongoDB, logger)
		audit = mongoadapter.NewAuditLogger(mongoDB, logger)
		ready["mongo"] = httphandler.PingFunc(func(ctx context.Context) error {
			return mongoClient.Ping(ctx, readpref.Primary())
		})
	}

	routerOpts := httphandler.RouterOptions{PerMinute: cfg.RateLimitPerMinute, WebhookSecret: cfg.WebhookSecret}
	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is empty; gateway webhooks will be rejected")
	}
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		redisCache := redisadapter.NewCache(redisClient)
		routerOpts.RateLimiter = rateLimit.NewRateLimiter(redisCache)
		routerOpts.Idempotency = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL, logger)
		ready["redis"] = httphandler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	alloc := inventory.NewAllocator(repo, cfg.HoldTTL, logger)
	issuer := tickets.NewService(repo, audit, logger)
	catalog := pricing.NewCatalog(promotions, cfg.ServiceFee, cfg.SubscriberDiscountPct)
	handlers := httphandler.NewHandlers(
		checkout.NewOrchestrator(repo, alloc, catalog, pricing.NewEngine(cfg.CurrencyScale), cfg.CurrencyScale, logger),
		payment.NewReconciler(repo, alloc, issuer, audit, logger),
		issuer,
		wallet.NewLedger(repo, audit, logger, cfg.CurrencyScale),
		qrcode.NewRenderer(qrcode.DefaultSize),
		ready,
		logger,
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httphandler.SetupRouter(handlers, logger, routerOpts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped with error")
	}
	logger.Info("server exiting")
}
