// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	BaseURL             string // public base URL for checkout redirects

	// Pricing policy
	DepositPercent     float64 // % of agreed price collected as deposit
	PlatformFeePercent float64 // % of agreed price retained as platform fee
	ListingFeeCents    int64   // flat fee to activate a listing

	// Offers
	OfferExpiryDays int // default offer lifetime

	// Security
	AdminSecret         string // Admin API secret
	NotifyWebhookSecret string // HMAC secret for signing outbound notifications

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for tracing (empty = disabled)
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultDepositPercent  = 10.0
	DefaultFeePercent      = 5.0
	DefaultListingFeeCents = 29900 // $299
	DefaultOfferExpiryDays = 7
	DefaultBaseURL         = "http://localhost:8080"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		BaseURL:             getEnv("BASE_URL", DefaultBaseURL),
		DepositPercent:      getEnvFloat("DEPOSIT_PERCENT", DefaultDepositPercent),
		PlatformFeePercent:  getEnvFloat("PLATFORM_FEE_PERCENT", DefaultFeePercent),
		ListingFeeCents:     getEnvInt64("LISTING_FEE_CENTS", DefaultListingFeeCents),
		OfferExpiryDays:     int(getEnvInt64("OFFER_EXPIRY_DAYS", DefaultOfferExpiryDays)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.DepositPercent <= 0 || c.DepositPercent > 100 {
		return fmt.Errorf("DEPOSIT_PERCENT must be between 0 and 100")
	}
	if c.PlatformFeePercent < 0 || c.PlatformFeePercent > 100 {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be between 0 and 100")
	}
	if c.OfferExpiryDays <= 0 {
		return fmt.Errorf("OFFER_EXPIRY_DAYS must be positive")
	}
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.IsProduction() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
