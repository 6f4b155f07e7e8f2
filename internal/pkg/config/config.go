package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/FoxChat/internal/pkg/env"
)

type AppConfig struct {
	// Server
	Host string
	Port string

	DB       DBConfig
	Cache    CacheConfig
	Billing  BillingConfig
	Security SecurityConfig
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

// DSN returns the go-sql-driver/mysql connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type CacheConfig struct {
	Host     string
	Port     string
	Password string
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

type SecurityConfig struct {
	// ClientAPIKey guards /api/v1 when set.
	ClientAPIKey string
	// Requests per minute per client IP on /api.
	RateLimit int
}

// BillingConfig carries the Stripe credentials and reconciliation tuning.
type BillingConfig struct {
	SecretKey      string
	WebhookSecret  string
	PriceID        string
	ResolveTimeout time.Duration
	SyncThrottle   time.Duration
	ScanLimit      int
	EmailLimit     int
}

// ErrNotConfigured is wrapped by the Require* helpers. The billing package
// re-exports it so callers can match either.
var ErrNotConfigured = errors.New("billing not configured")

// RequireAPI reports a missing Stripe API key.
func (c BillingConfig) RequireAPI() error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return fmt.Errorf("%w: STRIPE_SECRET_KEY is not set", ErrNotConfigured)
	}
	return nil
}

// RequireWebhook reports a missing webhook signing secret.
func (c BillingConfig) RequireWebhook() error {
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("%w: STRIPE_WEBHOOK_SECRET is not set", ErrNotConfigured)
	}
	return nil
}

// RequireCheckout needs both the API key and a price to sell.
func (c BillingConfig) RequireCheckout() error {
	if err := c.RequireAPI(); err != nil {
		return err
	}
	if strings.TrimSpace(c.PriceID) == "" {
		return fmt.Errorf("%w: STRIPE_PRICE_ID is not set", ErrNotConfigured)
	}
	return nil
}

const (
	DefaultResolveTimeout = 8 * time.Second
	DefaultSyncThrottle   = 30 * time.Second
	DefaultScanLimit      = 100
	DefaultEmailLimit     = 10
)

// WithDefaults fills zero tuning values. A zero SyncThrottle is kept since it
// disables throttling.
func (c BillingConfig) WithDefaults() BillingConfig {
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = DefaultScanLimit
	}
	if c.EmailLimit <= 0 {
		c.EmailLimit = DefaultEmailLimit
	}
	if c.SyncThrottle < 0 {
		c.SyncThrottle = 0
	}
	return c
}

// Load reads the environment (after env.SetupEnvFile) into AppConfig.
func Load() AppConfig {
	return AppConfig{
		Host: env.GetEnv("APP_HOST", "localhost"),
		Port: env.GetEnv("APP_PORT", "4000"),

		DB: DBConfig{
			User:     env.GetEnv("DB_USER", ""),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			Name:     env.GetEnv("DB_NAME", ""),
		},

		Cache: CacheConfig{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
		},

		Billing: BillingConfig{
			SecretKey:      strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
			WebhookSecret:  strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
			PriceID:        strings.TrimSpace(env.GetEnv("STRIPE_PRICE_ID", "")),
			ResolveTimeout: env.GetEnvDuration("BILLING_RESOLVE_TIMEOUT", DefaultResolveTimeout),
			SyncThrottle:   env.GetEnvDuration("BILLING_SYNC_THROTTLE", DefaultSyncThrottle),
			ScanLimit:      env.GetEnvInt("BILLING_SCAN_LIMIT", DefaultScanLimit),
			EmailLimit:     env.GetEnvInt("BILLING_EMAIL_LIMIT", DefaultEmailLimit),
		}.WithDefaults(),

		Security: SecurityConfig{
			ClientAPIKey: strings.TrimSpace(env.GetEnv("BILLING_CLIENT_API_KEY", "")),
			RateLimit:    env.GetEnvInt("API_RATE_LIMIT", 60),
		},
	}
}
