package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Storage. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string

	// Redis. An empty RedisURL disables rate limiting and the credential cache.
	RedisURL string

	// Provider API Keys
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	DeepSeekAPIKey  string
	DeepSeekBaseURL string

	// Identity provider
	IdentityJWTSecret string
	IdentityIssuer    string

	// Payment processor
	StripeSecretKey     string
	StripeWebhookSecret string

	// Ledger
	SignupBalance     int64
	MaxAPIKeys        int
	APIKeyCreateLimit int
	LedgerMaxRetries  int
	AllowManualCredit bool

	// Rate Limiting
	DefaultRateLimit int

	// Caching
	CredentialCacheTTLSeconds int

	// Metering
	CompletionTimeout    time.Duration
	UsageSummaryInterval time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      getEnv("PORT", "8080"),
		Env:                       getEnv("ENV", "development"),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		DatabaseURL:               getEnv("DATABASE_URL", ""),
		RedisURL:                  getEnv("REDIS_URL", ""),
		OpenAIAPIKey:              getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:           getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:              getEnv("GEMINI_API_KEY", ""),
		DeepSeekAPIKey:            getEnv("DEEPSEEK_API_KEY", ""),
		DeepSeekBaseURL:           getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		IdentityJWTSecret:         getEnv("IDENTITY_JWT_SECRET", ""),
		IdentityIssuer:            getEnv("IDENTITY_ISSUER", ""),
		StripeSecretKey:           getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:       getEnv("STRIPE_WEBHOOK_SECRET", ""),
		SignupBalance:             getEnvInt64("SIGNUP_BALANCE", 1000),
		MaxAPIKeys:                getEnvInt("MAX_API_KEYS", 5),
		APIKeyCreateLimit:         getEnvInt("API_KEY_CREATE_LIMIT", 10),
		LedgerMaxRetries:          getEnvInt("LEDGER_MAX_RETRIES", 10),
		AllowManualCredit:         getEnvBool("ALLOW_MANUAL_CREDIT", false),
		DefaultRateLimit:          getEnvInt("DEFAULT_RATE_LIMIT", 100),
		CredentialCacheTTLSeconds: getEnvInt("CREDENTIAL_CACHE_TTL_SECONDS", 300),
		CompletionTimeout:         getEnvDuration("COMPLETION_TIMEOUT", 30*time.Second),
		UsageSummaryInterval:      getEnvDuration("USAGE_SUMMARY_INTERVAL", 24*time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.IdentityJWTSecret == "" {
		return fmt.Errorf("IDENTITY_JWT_SECRET is required")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.SignupBalance < 0 {
		return fmt.Errorf("SIGNUP_BALANCE must not be negative")
	}
	if c.MaxAPIKeys <= 0 {
		return fmt.Errorf("MAX_API_KEYS must be positive")
	}
	if c.LedgerMaxRetries <= 0 {
		return fmt.Errorf("LEDGER_MAX_RETRIES must be positive")
	}
	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be positive")
	}
	if c.UsageSummaryInterval <= 0 {
		return fmt.Errorf("USAGE_SUMMARY_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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
