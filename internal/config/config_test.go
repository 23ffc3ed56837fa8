package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.FeeRate.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, cfg.CashbackRate.Equal(decimal.RequireFromString("0.02")))
	assert.Equal(t, 168*time.Hour, cfg.AutoCompleteGracePeriod)
	assert.Equal(t, 24*time.Hour, cfg.UnpaidExpiryTimeout)
	assert.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 100, cfg.SweepBatchSize)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fee_rate: "0.15"
unpaid_expiry_timeout: 12h
stripe:
  api_key: sk_test
  webhook_secret: whsec_file
  retry_window: 48h
`), 0o600))
	t.Setenv("ESCROW_CONFIG", path)
	t.Setenv("ESCROW_STRIPE_WEBHOOK_SECRET", "whsec_env")
	t.Setenv("DATABASE_URL", "postgres://localhost/escrow")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.FeeRate.Equal(decimal.RequireFromString("0.15")))
	assert.Equal(t, 12*time.Hour, cfg.UnpaidExpiryTimeout)
	assert.Equal(t, "sk_test", cfg.Stripe.APIKey)
	assert.Equal(t, "whsec_env", cfg.Stripe.WebhookSecret)
	assert.Equal(t, 48*time.Hour, cfg.Stripe.RetryWindow)
	assert.Equal(t, "postgres://localhost/escrow", cfg.DatabaseURL)
}

func TestLoad_RetentionShorterThanRetryWindow(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")
	t.Setenv("ESCROW_STRIPE_API_KEY", "sk_test")
	t.Setenv("ESCROW_STRIPE_RETRY_WINDOW", "96h")
	t.Setenv("ESCROW_IDEMPOTENCY_RETENTION", "72h")

	_, err := Load("")
	require.ErrorIs(t, err, ErrConfig)
	assert.ErrorContains(t, err, "stripe.retry_window")
}

func TestLoad_BadValues(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")
	t.Setenv("ESCROW_FEE_RATE", "ten percent")
	_, err := Load("")
	require.ErrorIs(t, err, ErrConfig)

	t.Setenv("ESCROW_FEE_RATE", "1.5")
	_, err = Load("")
	require.ErrorIs(t, err, ErrConfig)
}

func TestRequireServer(t *testing.T) {
	cfg := &Config{}
	err := cfg.RequireServer()
	require.ErrorIs(t, err, ErrConfig)
	assert.ErrorContains(t, err, "database_url")

	cfg = &Config{DatabaseURL: "postgres://x", OperatorJWTSecret: "s", Vipps: VippsConfig{ClientID: "c"}}
	assert.NoError(t, cfg.RequireServer())
}
