// Package config loads the escrow service configuration from an optional YAML
// file and ESCROW_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ErrConfig marks every load or validation failure. It is fatal at startup.
var ErrConfig = errors.New("invalid configuration")

type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	RetryWindow   time.Duration
}

func (s StripeConfig) Enabled() bool { return s.APIKey != "" }

type VippsConfig struct {
	ClientID             string
	ClientSecret         string
	SubscriptionKey      string
	MerchantSerialNumber string
	WebhookSecret        string
	BaseURL              string
	ReturnURL            string
	RetryWindow          time.Duration
}

func (v VippsConfig) Enabled() bool { return v.ClientID != "" }

// Config is read once at startup and never mutated afterwards.
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	// TrustProxy lets forwarded headers set the client address for rate limits.
	TrustProxy bool

	FeeRate      decimal.Decimal
	CashbackRate decimal.Decimal

	AutoCompleteGracePeriod time.Duration
	UnpaidExpiryTimeout     time.Duration
	IdempotencyRetention    time.Duration
	WebhookStaleAfter       time.Duration
	ReconcileAfter          time.Duration
	SweepBatchSize          int
	CompletionInterval      time.Duration
	ExpiryInterval          time.Duration

	ProviderTimeout       time.Duration
	ProviderMaxRetries    int
	ProviderRatePerSecond float64

	Stripe StripeConfig
	Vipps  VippsConfig

	// Onboarding pages send taskers back here; the account id is appended.
	ConnectRefreshURL string
	ConnectReturnURL  string

	NotifyURL          string
	OperatorJWTSecret  string
	CORSAllowedOrigins []string
}

func defaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("trust_proxy", false)
	v.SetDefault("fee_rate", "0.10")
	v.SetDefault("cashback_rate", "0.02")
	v.SetDefault("auto_complete_grace_period", "168h")
	v.SetDefault("unpaid_expiry_timeout", "24h")
	v.SetDefault("idempotency_retention", "72h")
	v.SetDefault("webhook_stale_after", "10m")
	v.SetDefault("reconcile_after", "1h")
	v.SetDefault("sweep_batch_size", 100)
	v.SetDefault("completion_interval", "1h")
	v.SetDefault("expiry_interval", "24h")
	v.SetDefault("provider_timeout", "15s")
	v.SetDefault("provider_max_retries", 3)
	v.SetDefault("provider_rate_per_second", 20.0)

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.base_url", "")
	v.SetDefault("stripe.retry_window", "72h")

	v.SetDefault("vipps.client_id", "")
	v.SetDefault("vipps.client_secret", "")
	v.SetDefault("vipps.subscription_key", "")
	v.SetDefault("vipps.merchant_serial_number", "")
	v.SetDefault("vipps.webhook_secret", "")
	v.SetDefault("vipps.base_url", "")
	v.SetDefault("vipps.return_url", "")
	v.SetDefault("vipps.retry_window", "72h")

	v.SetDefault("connect.refresh_url", "https://taskup.no/connect/refresh")
	v.SetDefault("connect.return_url", "https://taskup.no/connect/return")

	v.SetDefault("notify.url", "")
	v.SetDefault("operator.jwt_secret", "")
	v.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load reads the file named by ESCROW_CONFIG when set, then overlays the
// environment. path overrides ESCROW_CONFIG when non-empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("ESCROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Plain DATABASE_URL keeps working for existing deployments.
	_ = v.BindEnv("database_url", "ESCROW_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("config", "ESCROW_CONFIG")

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var errs []error
	rate := func(key string) decimal.Decimal {
		d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", key, err))
		}
		return d
	}
	dur := func(key string) time.Duration {
		d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", key, err))
		}
		return d
	}

	cfg := &Config{
		DatabaseURL:             v.GetString("database_url"),
		HTTPAddr:                v.GetString("http_addr"),
		TrustProxy:              v.GetBool("trust_proxy"),
		FeeRate:                 rate("fee_rate"),
		CashbackRate:            rate("cashback_rate"),
		AutoCompleteGracePeriod: dur("auto_complete_grace_period"),
		UnpaidExpiryTimeout:     dur("unpaid_expiry_timeout"),
		IdempotencyRetention:    dur("idempotency_retention"),
		WebhookStaleAfter:       dur("webhook_stale_after"),
		ReconcileAfter:          dur("reconcile_after"),
		SweepBatchSize:          v.GetInt("sweep_batch_size"),
		CompletionInterval:      dur("completion_interval"),
		ExpiryInterval:          dur("expiry_interval"),
		ProviderTimeout:         dur("provider_timeout"),
		ProviderMaxRetries:      v.GetInt("provider_max_retries"),
		ProviderRatePerSecond:   v.GetFloat64("provider_rate_per_second"),
		Stripe: StripeConfig{
			APIKey:        v.GetString("stripe.api_key"),
			WebhookSecret: v.GetString("stripe.webhook_secret"),
			BaseURL:       v.GetString("stripe.base_url"),
			RetryWindow:   dur("stripe.retry_window"),
		},
		Vipps: VippsConfig{
			ClientID:             v.GetString("vipps.client_id"),
			ClientSecret:         v.GetString("vipps.client_secret"),
			SubscriptionKey:      v.GetString("vipps.subscription_key"),
			MerchantSerialNumber: v.GetString("vipps.merchant_serial_number"),
			WebhookSecret:        v.GetString("vipps.webhook_secret"),
			BaseURL:              v.GetString("vipps.base_url"),
			ReturnURL:            v.GetString("vipps.return_url"),
			RetryWindow:          dur("vipps.retry_window"),
		},
		ConnectRefreshURL:  v.GetString("connect.refresh_url"),
		ConnectReturnURL:   v.GetString("connect.return_url"),
		NotifyURL:          v.GetString("notify.url"),
		OperatorJWTSecret:  v.GetString("operator.jwt_secret"),
		CORSAllowedOrigins: v.GetStringSlice("cors.allowed_origins"),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrConfig, errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Stored idempotency keys and
// webhook records must outlive every enabled provider's retry window.
func (c *Config) Validate() error {
	var errs []error
	one := decimal.NewFromInt(1)
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(one) {
		errs = append(errs, fmt.Errorf("fee_rate %s must be in [0, 1)", c.FeeRate))
	}
	if c.CashbackRate.IsNegative() || c.CashbackRate.GreaterThanOrEqual(one) {
		errs = append(errs, fmt.Errorf("cashback_rate %s must be in [0, 1)", c.CashbackRate))
	}
	for key, d := range map[string]time.Duration{
		"auto_complete_grace_period": c.AutoCompleteGracePeriod,
		"unpaid_expiry_timeout":      c.UnpaidExpiryTimeout,
		"idempotency_retention":      c.IdempotencyRetention,
		"webhook_stale_after":        c.WebhookStaleAfter,
		"completion_interval":        c.CompletionInterval,
		"expiry_interval":            c.ExpiryInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.SweepBatchSize <= 0 {
		errs = append(errs, errors.New("sweep_batch_size must be positive"))
	}
	if c.ProviderMaxRetries < 0 {
		errs = append(errs, errors.New("provider_max_retries must not be negative"))
	}
	if c.Stripe.Enabled() && c.IdempotencyRetention < c.Stripe.RetryWindow {
		errs = append(errs, fmt.Errorf("idempotency_retention %s is shorter than stripe.retry_window %s",
			c.IdempotencyRetention, c.Stripe.RetryWindow))
	}
	if c.Vipps.Enabled() && c.IdempotencyRetention < c.Vipps.RetryWindow {
		errs = append(errs, fmt.Errorf("idempotency_retention %s is shorter than vipps.retry_window %s",
			c.IdempotencyRetention, c.Vipps.RetryWindow))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrConfig, errors.Join(errs...))
	}
	return nil
}

// RequireServer checks what cmd/api needs beyond Validate.
func (c *Config) RequireServer() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "database_url")
	}
	if c.OperatorJWTSecret == "" {
		missing = append(missing, "operator.jwt_secret")
	}
	if !c.Stripe.Enabled() && !c.Vipps.Enabled() {
		missing = append(missing, "stripe.api_key or vipps.client_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}
