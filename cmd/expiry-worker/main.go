package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/ticketing-checkout/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticketing-checkout/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ticketing-checkout/internal/adapters/redis"
	"github.com/robertarktes/ticketing-checkout/internal/config"
	"github.com/robertarktes/ticketing-checkout/internal/inventory"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
	"github.com/robertarktes/ticketing-checkout/internal/payment"
	"github.com/robertarktes/ticketing-checkout/internal/tickets"
	"github.com/robertarktes/ticketing-checkout/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Store != config.StoreCRDB {
		log.Fatalf("expiry worker needs STORE=%s", config.StoreCRDB)
	}
	if err := cfg.RequireAudit(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithField("component", "expiry-worker")

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	audit := mongoadapter.NewAuditLogger(mongoClient.Database(cfg.MongoDB), logger)

	alloc := inventory.NewAllocator(repo, cfg.HoldTTL, logger)
	issuer := tickets.NewService(repo, audit, logger)
	reconciler := payment.NewReconciler(repo, alloc, issuer, audit, logger)

	var opts []worker.Option
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		opts = append(opts, worker.WithLocker(redisadapter.NewCache(redisClient)))
	}

	reaper := worker.NewReaper(alloc, reconciler, logger, cfg.SweepBatch, cfg.SweepConcurrency, opts...)
	logger.WithField("interval", cfg.SweepInterval.String()).Info("expiry worker started")
	reaper.Run(ctx, cfg.SweepInterval)
	logger.Info("expiry worker stopped")
}
