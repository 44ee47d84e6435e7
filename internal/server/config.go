// Package server wires configuration, storage, services, and HTTP routing
// into the runnable entitlement server.
package server

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the entitlement server.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	// BaseURL is the public app origin used for checkout redirect URLs.
	BaseURL string

	StripeAPIKey        string
	StripeWebhookSecret string

	AuthJWTSecret string
	// AdminEmails is the allow-list for the device-based admin path.
	AdminEmails []string

	CheckoutCurrency    string
	CheckoutAmount      int64
	CheckoutMonths      int64
	FallbackGrantMonths int

	ReverifyInterval time.Duration

	// PublicMetrics exposes /metrics without the ops key.
	PublicMetrics bool
	OpsKey        string

	LogLevel  string
	LogFormat string

	RateLimit       int
	RateLimitWindow time.Duration
}

// LoadConfig loads configuration from environment variables. A .env file is
// loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("MAAUN_PORT", 8080)
	if err != nil {
		return nil, err
	}
	amount, err := envOrDefaultInt64("MAAUN_CHECKOUT_AMOUNT", 1200)
	if err != nil {
		return nil, err
	}
	months, err := envOrDefaultInt64("MAAUN_CHECKOUT_MONTHS", 3)
	if err != nil {
		return nil, err
	}
	fallbackMonths, err := envOrDefaultInt("MAAUN_FALLBACK_GRANT_MONTHS", 3)
	if err != nil {
		return nil, err
	}
	reverify, err := envOrDefaultDuration("MAAUN_REVERIFY_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("MAAUN_RATE_LIMIT", 60)
	if err != nil {
		return nil, err
	}
	rateWindow, err := envOrDefaultDuration("MAAUN_RATE_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("MAAUN_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("MAAUN_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		BaseURL:             strings.TrimSpace(os.Getenv("MAAUN_BASE_URL")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		AuthJWTSecret:       strings.TrimSpace(os.Getenv("MAAUN_AUTH_JWT_SECRET")),
		AdminEmails:         splitList(os.Getenv("MAAUN_ADMIN_EMAILS")),
		CheckoutCurrency:    envOrDefault("MAAUN_CHECKOUT_CURRENCY", "sar"),
		CheckoutAmount:      amount,
		CheckoutMonths:      months,
		FallbackGrantMonths: fallbackMonths,
		ReverifyInterval:    reverify,
		PublicMetrics:       envOrDefault("MAAUN_PUBLIC_METRICS", "false") == "true",
		OpsKey:              strings.TrimSpace(os.Getenv("MAAUN_OPS_KEY")),
		LogLevel:            envOrDefault("MAAUN_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("MAAUN_LOG_FORMAT", "auto"),
		RateLimit:           rateLimit,
		RateLimitWindow:     rateWindow,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate server config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "MAAUN_BASE_URL")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.AuthJWTSecret == "" {
		missing = append(missing, "MAAUN_AUTH_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("MAAUN_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.CheckoutAmount <= 0 {
		return fmt.Errorf("MAAUN_CHECKOUT_AMOUNT must be greater than 0, got %d", c.CheckoutAmount)
	}
	if c.CheckoutMonths <= 0 {
		return fmt.Errorf("MAAUN_CHECKOUT_MONTHS must be greater than 0, got %d", c.CheckoutMonths)
	}
	if c.FallbackGrantMonths <= 0 {
		return fmt.Errorf("MAAUN_FALLBACK_GRANT_MONTHS must be greater than 0, got %d", c.FallbackGrantMonths)
	}

	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("MAAUN_BASE_URL must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("MAAUN_BASE_URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("MAAUN_BASE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. \"30m\"): %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
