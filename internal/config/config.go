// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Provider names accepted by PAYMENT_PROVIDER.
const (
	ProviderStripe = "stripe"
	ProviderHMAC   = "hmac"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Receipt queue (optional, uses in-memory if not set)

	// Payment provider
	Provider            string
	StripeSecretKey     string
	StripeWebhookSecret string
	WebhookSecret       string        // shared secret for the hmac provider
	WebhookTolerance    time.Duration // max age of a signed timestamp
	FeeLookupAttempts   int

	// Economics
	FixedFeeCents   int64
	CreatorShareBps int64 // creator share in basis points, 8000 = 80%

	// Receipts
	ReceiptSigningSecret string // HMAC key for receipt signatures (optional)
	ReceiptWebhookURL    string // downstream receipt endpoint (optional, logs receipts if not set)
	ReceiptWebhookSecret string

	// Stranded-event sweeper
	SweepInterval   time.Duration
	SweepGrace      time.Duration // events younger than this are still in flight
	SweepAutoReplay bool

	// Operations
	AdminSecret  string
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultProvider          = ProviderStripe
	DefaultFixedFeeCents     = 30
	DefaultCreatorShare      = "0.80"
	DefaultWebhookTolerance  = 5 * time.Minute
	DefaultFeeLookupAttempts = 3
	DefaultSweepInterval     = 5 * time.Minute
	DefaultSweepGrace        = 10 * time.Minute
)

// Load reads configuration from environment variables.
// A .env file is loaded first when present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	share, err := parseShare(getEnv("CREATOR_SHARE", DefaultCreatorShare))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		Provider:             strings.ToLower(getEnv("PAYMENT_PROVIDER", DefaultProvider)),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		WebhookTolerance:     getEnvDuration("WEBHOOK_TOLERANCE", DefaultWebhookTolerance),
		FeeLookupAttempts:    int(getEnvInt64("FEE_LOOKUP_ATTEMPTS", DefaultFeeLookupAttempts)),
		FixedFeeCents:        getEnvInt64("FIXED_FEE_CENTS", DefaultFixedFeeCents),
		CreatorShareBps:      share,
		ReceiptSigningSecret: os.Getenv("RECEIPT_SIGNING_SECRET"),
		ReceiptWebhookURL:    os.Getenv("RECEIPT_WEBHOOK_URL"),
		ReceiptWebhookSecret: os.Getenv("RECEIPT_WEBHOOK_SECRET"),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepGrace:           getEnvDuration("SWEEP_GRACE", DefaultSweepGrace),
		SweepAutoReplay:      getEnvBool("SWEEP_AUTO_REPLAY", false),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderStripe:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for provider %q", c.Provider)
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required for provider %q", c.Provider)
		}
	case ProviderHMAC:
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required for provider %q", c.Provider)
		}
	default:
		return fmt.Errorf("PAYMENT_PROVIDER must be %q or %q, got %q", ProviderStripe, ProviderHMAC, c.Provider)
	}

	if c.FixedFeeCents < 0 {
		return fmt.Errorf("FIXED_FEE_CENTS must be non-negative")
	}
	if c.CreatorShareBps < 0 || c.CreatorShareBps > 10000 {
		return fmt.Errorf("CREATOR_SHARE must be between 0 and 1")
	}
	if c.FeeLookupAttempts <= 0 {
		return fmt.Errorf("FEE_LOOKUP_ATTEMPTS must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepGrace <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL and SWEEP_GRACE must be positive")
	}
	if c.ReceiptWebhookURL != "" {
		u, err := url.Parse(c.ReceiptWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("RECEIPT_WEBHOOK_URL must be an absolute http(s) URL")
		}
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// parseShare converts a decimal fraction such as "0.80" into basis points.
func parseShare(s string) (int64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("CREATOR_SHARE must be a decimal between 0 and 1, got %q", s)
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("CREATOR_SHARE must be between 0 and 1, got %q", s)
	}
	return int64(math.Round(f * 10000)), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
