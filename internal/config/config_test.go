package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE", StoreMemory)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.HoldTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, int32(2), cfg.CurrencyScale)
	assert.True(t, cfg.ServiceFee.IsZero())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE", StoreCRDB)
	t.Setenv("CRDB_DSN", "postgresql://root@localhost:26257/tro?sslmode=disable")
	t.Setenv("HOLD_TTL", "90s")
	t.Setenv("SERVICE_FEE", "1.25")
	t.Setenv("SUBSCRIBER_DISCOUNT_PCT", "15")
	t.Setenv("SWEEP_CONCURRENCY", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.HoldTTL)
	assert.True(t, cfg.ServiceFee.Equal(decimal.RequireFromString("1.25")))
	assert.True(t, cfg.SubscriberDiscountPct.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, 8, cfg.SweepConcurrency)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]map[string]string{
		"missing dsn":      {"STORE": StoreCRDB, "CRDB_DSN": ""},
		"unknown store":    {"STORE": "sqlite"},
		"bad ttl":          {"STORE": StoreMemory, "HOLD_TTL": "soon"},
		"negative fee":     {"STORE": StoreMemory, "SERVICE_FEE": "-1"},
		"discount too big": {"STORE": StoreMemory, "SUBSCRIBER_DISCOUNT_PCT": "120"},
		"bad batch":        {"STORE": StoreMemory, "SWEEP_BATCH": "0"},
		"scale too fine":   {"STORE": StoreMemory, "CURRENCY_SCALE": "5"},
		"negative scale":   {"STORE": StoreMemory, "CURRENCY_SCALE": "-1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_ScaleFitsMoneyColumns(t *testing.T) {
	t.Setenv("STORE", StoreMemory)
	t.Setenv("CURRENCY_SCALE", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int32(MaxCurrencyScale), cfg.CurrencyScale)
}

func TestRequireAudit(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "crdb without mongo", cfg: Config{Store: StoreCRDB}, wantErr: true},
		{name: "crdb with mongo", cfg: Config{Store: StoreCRDB, MongoURI: "mongodb://localhost:27017"}},
		{name: "memory without mongo", cfg: Config{Store: StoreMemory}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.RequireAudit()
			if tc.wantErr {
				assert.ErrorContains(t, err, "MONGO_URI")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoad_WebhookSecret(t *testing.T) {
	t.Setenv("STORE", StoreMemory)
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.WebhookSecret)
}
