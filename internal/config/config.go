package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	StoreCRDB   = "crdb"
	StoreMemory = "memory"
)

type Config struct {
	ServiceName  string
	HTTPAddr     string
	Store        string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string
	LogLevel     string

	HoldTTL          time.Duration
	SweepInterval    time.Duration
	SweepBatch       int
	SweepConcurrency int
	OutboxInterval   time.Duration
	OutboxBatch      int

	CurrencyScale         int32
	ServiceFee            decimal.Decimal
	SubscriberDiscountPct decimal.Decimal

	IdempotencyTTL     time.Duration
	RateLimitPerMinute int
	WebhookSecret      string
}

// MaxCurrencyScale matches the fractional digits of the DECIMAL money columns.
const MaxCurrencyScale = 4

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName:  getEnv("SERVICE_NAME", "ticketing-checkout"),
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		Store:        getEnv("STORE", StoreCRDB),
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      getEnv("MONGO_DB", "tro"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
	}

	var err error
	if cfg.HoldTTL, err = durationEnv("HOLD_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.OutboxInterval, err = durationEnv("OUTBOX_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.SweepBatch, err = intEnv("SWEEP_BATCH", 100); err != nil {
		return nil, err
	}
	if cfg.SweepConcurrency, err = intEnv("SWEEP_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.OutboxBatch, err = intEnv("OUTBOX_BATCH", 50); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = intEnv("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return nil, err
	}
	scale, err := intEnv("CURRENCY_SCALE", 2)
	if err != nil {
		return nil, err
	}
	cfg.CurrencyScale = int32(scale)
	if cfg.ServiceFee, err = decimalEnv("SERVICE_FEE", decimal.Zero); err != nil {
		return nil, err
	}
	if cfg.SubscriberDiscountPct, err = decimalEnv("SUBSCRIBER_DISCOUNT_PCT", decimal.Zero); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreCRDB:
		if c.CRDBDSN == "" {
			return errors.New("CRDB_DSN is required when STORE=crdb")
		}
	case StoreMemory:
	default:
		return errors.Newf("unknown STORE %q", c.Store)
	}
	if c.HoldTTL <= 0 {
		return errors.New("HOLD_TTL must be positive")
	}
	if c.SweepInterval <= 0 || c.OutboxInterval <= 0 {
		return errors.New("SWEEP_INTERVAL and OUTBOX_INTERVAL must be positive")
	}
	if c.SweepBatch <= 0 || c.SweepConcurrency <= 0 || c.OutboxBatch <= 0 {
		return errors.New("batch sizes and concurrency must be positive")
	}
	if c.CurrencyScale < 0 || c.CurrencyScale > MaxCurrencyScale {
		return errors.Newf("CURRENCY_SCALE %d out of range [0, %d]", c.CurrencyScale, MaxCurrencyScale)
	}
	if c.ServiceFee.IsNegative() {
		return errors.New("SERVICE_FEE must not be negative")
	}
	if c.SubscriberDiscountPct.IsNegative() || c.SubscriberDiscountPct.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("SUBSCRIBER_DISCOUNT_PCT must be within [0, 100]")
	}
	return nil
}

// RequireAudit fails unless a durable audit store is configured. Processes
// that mutate the CockroachDB store must not write audit records to memory.
func (c *Config) RequireAudit() error {
	if c.Store == StoreCRDB && c.MongoURI == "" {
		return errors.New("MONGO_URI is required when STORE=crdb")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return n, nil
}

func decimalEnv(key string, def decimal.Decimal) (decimal.Decimal, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}
