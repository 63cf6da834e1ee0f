package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string

	// Brevo email configuration
	BrevoAPIKey    string
	BrevoFromEmail string
	BrevoFromName  string

	// Marketplace callback
	MarketplaceWebhookURL    string
	MarketplaceWebhookSecret string

	// Billing configuration
	BillingDriver       string // stripe or memory
	StripeSecretKey     string
	StripeWebhookSecret string
	PriceCatalogFile    string

	// Subscription orchestration
	OperationTimeout    time.Duration
	CreateMaxRetries    int
	IdempotencyTTL      time.Duration
	DashboardPathPrefix string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file; a missing file is fine
	_ = godotenv.Load()

	AppConfig = Load()
	return nil
}

// Load reads the configuration from the environment without touching .env.
func Load() *Config {
	return &Config{
		Port:                     getEnv("PORT", "8080"),
		Mode:                     getEnv("GIN_MODE", "debug"),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379/0"),
		BrevoAPIKey:              getEnv("BREVO_API_KEY", ""),
		BrevoFromEmail:           getEnv("BREVO_FROM_EMAIL", ""),
		BrevoFromName:            getEnv("BREVO_FROM_NAME", "Vendor Team"),
		MarketplaceWebhookURL:    getEnv("MARKETPLACE_WEBHOOK_URL", ""),
		MarketplaceWebhookSecret: getEnv("MARKETPLACE_WEBHOOK_SECRET", ""),
		BillingDriver:            getEnv("BILLING_DRIVER", "stripe"),
		StripeSecretKey:          getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:      getEnv("STRIPE_WEBHOOK_SECRET", ""),
		PriceCatalogFile:         getEnv("PRICE_CATALOG_FILE", "prices.yaml"),
		OperationTimeout:         getEnvDuration("SUBSCRIPTION_OPERATION_TIMEOUT", 25*time.Second),
		CreateMaxRetries:         getEnvInt("CREATE_MAX_RETRIES", 2),
		IdempotencyTTL:           time.Duration(getEnvInt("IDEMPOTENCY_TTL_HOURS", 24)) * time.Hour,
		DashboardPathPrefix:      getEnv("DASHBOARD_PATH_PREFIX", "/dashboard/listings"),
	}
}

// IsRelease reports whether detailed error text must be hidden from callers
func (c *Config) IsRelease() bool {
	return c.Mode == "release"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
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
