package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/layers-run/layers-gateway/internal/shared/models"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Credential store
	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string

	// Redis (optional; enables the shared rate-limit counter and the
	// response cache)
	RedisURL string

	// Provider API keys
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string

	// Model catalog
	ModelCatalogPath string

	// Billing
	MarginPercent int

	// Upstream relay
	UpstreamTimeout time.Duration

	// Rate limiting: requests per 60s window, per tier
	RateLimits map[models.Tier]int

	// Auth bypass substitutes a fixed synthetic identity. Test/CI only.
	AuthBypass bool

	// Caching
	CacheEnabled bool
	CacheTTL     time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		DatabaseDriver:   getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		ModelCatalogPath: getEnv("MODEL_CATALOG_PATH", "configs/models.yaml"),
		MarginPercent:    getEnvInt("MARGIN_PERCENT", 60),
		UpstreamTimeout:  time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 60)) * time.Second,
		RateLimits: map[models.Tier]int{
			models.TierFree:    getEnvInt("RATE_LIMIT_FREE", 10),
			models.TierStarter: getEnvInt("RATE_LIMIT_STARTER", 60),
			models.TierPro:     getEnvInt("RATE_LIMIT_PRO", 300),
			models.TierTeam:    getEnvInt("RATE_LIMIT_TEAM", 1000),
		},
		AuthBypass:   getEnvBool("AUTH_BYPASS", false),
		CacheEnabled: getEnvBool("CACHE_ENABLED", false),
		CacheTTL:     time.Duration(getEnvInt("CACHE_TTL_SECONDS", 3600)) * time.Second,
	}

	if cfg.AuthBypass && cfg.Env == "production" {
		return nil, fmt.Errorf("AUTH_BYPASS must not be enabled in production")
	}

	if cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// At least one provider API key is required
	if cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey == "" && cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("at least one provider API key is required (OPENAI_API_KEY, ANTHROPIC_API_KEY, or GEMINI_API_KEY)")
	}

	return cfg, nil
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
