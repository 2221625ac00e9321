package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/ticketing-checkout/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticketing-checkout/internal/adapters/mongo"
	"github.com/robertarktes/ticketing-checkout/internal/adapters/rabbit"
	"github.com/robertarktes/ticketing-checkout/internal/config"
	"github.com/robertarktes/ticketing-checkout/internal/inventory"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
	"github.com/robertarktes/ticketing-checkout/internal/payment"
	"github.com/robertarktes/ticketing-checkout/internal/tickets"
)

const (
	prefetch  = 16
	consumers = 4
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Store != config.StoreCRDB {
		log.Fatalf("payment consumer needs STORE=%s", config.StoreCRDB)
	}
	if err := cfg.RequireAudit(); err != nil {
		log.Fatal(err)
	}
	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithField("component", "payment-consumer")

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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()

	// One channel per consumer; deliveries on a channel are handled in order.
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < consumers; i++ {
		c, err := rabbit.NewConsumer(conn, rabbit.GatewayQueue, prefetch, payment.Retryable, logger)
		if err != nil {
			log.Fatalf("failed to create consumer: %v", err)
		}
		defer c.Close()
		g.Go(func() error {
			return c.Run(gctx, reconciler.HandleGatewayMessage)
		})
	}

	logger.WithField("queue", rabbit.GatewayQueue).Info("payment consumer started")
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("payment consumer stopped with error")
		return
	}
	logger.Info("payment consumer stopped")
}
