// Package config provides application configuration management.
// It loads settings from environment variables (and an optional .env file)
// and provides defaults for the server, session storage, school search,
// NLU providers and observability integrations.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

// Session backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

var (
	validProviders = []string{"gemini", "groq", "cerebras", "openai"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
)

// Config holds all application configuration
type Config struct {
	// LINE Bot Configuration
	LineChannelToken  string
	LineChannelSecret string
	LineAPIEndpoint   string // overrides the Messaging API base URL

	// Server Configuration
	Port            string
	LogLevel        string
	ShutdownTimeout time.Duration

	// Session Configuration
	DataDir        string // Data directory for the SQLite database
	SessionBackend string // "sqlite" or "redis"
	SessionTTL     time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// School Search Configuration
	ScorecardAPIKey     string
	ScorecardBaseURL    string // empty uses the public endpoint
	ScorecardTimeout    time.Duration
	ScorecardMaxRetries int
	ScorecardRPS        float64 // 0 disables client-side throttling
	MaxResultCards      int
	CollegeSlotEnabled  bool

	NLU NLUConfig
	Bot BotConfig

	// Sentry (Better Stack Errors)
	SentryToken       string
	SentryHost        string
	SentryEnvironment string
	SentrySampleRate  float64

	// Better Stack Logs
	BetterStackToken    string
	BetterStackEndpoint string

	// Metrics Authentication
	MetricsUsername string // Username for /metrics Basic Auth (default: "prometheus")
	MetricsPassword string // Password for /metrics Basic Auth (empty = no auth)
}

// NLUConfig holds the intent detection provider settings. Providers without
// an API key are skipped; the local pattern parser is always the last resort.
type NLUConfig struct {
	Providers []string

	GeminiAPIKey   string
	GroqAPIKey     string
	CerebrasAPIKey string
	OpenAIAPIKey   string
	OpenAIEndpoint string

	// Model overrides; empty keeps the built-in chains.
	GeminiModels   []string
	GroqModels     []string
	CerebrasModels []string
	OpenAIModels   []string

	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// BotConfig holds webhook and rate limit settings.
type BotConfig struct {
	WebhookTimeout      time.Duration // Timeout for one dialogue turn
	MaxEventsPerWebhook int

	UserRateBurst  int     // Maximum burst messages per user
	UserRateRefill float64 // Messages refilled per second
	GlobalRateRPS  float64 // Outgoing LINE API calls per second
}

// Load reads configuration from environment variables.
// It attempts to load .env file first, then reads from env vars.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		LineChannelToken:  getEnv(EnvLineChannelAccessToken, ""),
		LineChannelSecret: getEnv(EnvLineChannelSecret, ""),
		LineAPIEndpoint:   getEnv(EnvLineAPIEndpoint, ""),

		Port:            getEnv(EnvPort, "10000"),
		LogLevel:        strings.ToLower(getEnv(EnvLogLevel, "info")),
		ShutdownTimeout: getDurationEnv(EnvShutdownTimeout, 30*time.Second),

		DataDir:        getEnv(EnvDataDir, getDefaultDataDir()),
		SessionBackend: strings.ToLower(getEnv(EnvSessionBackend, BackendSQLite)),
		SessionTTL:     getDurationEnv(EnvSessionTTL, 30*24*time.Hour),
		RedisAddr:      getEnv(EnvRedisAddr, ""),
		RedisPassword:  getEnv(EnvRedisPassword, ""),
		RedisDB:        getIntEnv(EnvRedisDB, 0),

		ScorecardAPIKey:     getEnv(EnvScorecardAPIKey, ""),
		ScorecardBaseURL:    getEnv(EnvScorecardBaseURL, ""),
		ScorecardTimeout:    getDurationEnv(EnvScorecardTimeout, 10*time.Second),
		ScorecardMaxRetries: getIntEnv(EnvScorecardMaxRetries, 2),
		ScorecardRPS:        getFloatEnv(EnvScorecardRPS, 0),
		MaxResultCards:      getIntEnv(EnvMaxResultCards, 8),
		CollegeSlotEnabled:  getBoolEnv(EnvCollegeSlotEnabled, false),

		NLU: NLUConfig{
			Providers:      lo.Map(getListEnv(EnvNLUProviders, validProviders), func(p string, _ int) string { return strings.ToLower(p) }),
			GeminiAPIKey:   getEnv(EnvGeminiAPIKey, ""),
			GroqAPIKey:     getEnv(EnvGroqAPIKey, ""),
			CerebrasAPIKey: getEnv(EnvCerebrasAPIKey, ""),
			OpenAIAPIKey:   getEnv(EnvOpenAIAPIKey, ""),
			OpenAIEndpoint: getEnv(EnvOpenAIEndpoint, ""),
			GeminiModels:   getListEnv(EnvGeminiModels, nil),
			GroqModels:     getListEnv(EnvGroqModels, nil),
			CerebrasModels: getListEnv(EnvCerebrasModels, nil),
			OpenAIModels:   getListEnv(EnvOpenAIModels, nil),
			MaxAttempts:    getIntEnv(EnvNLUMaxAttempts, 2),
			RetryDelay:     getDurationEnv(EnvNLURetryDelay, 300*time.Millisecond),
			MaxRetryDelay:  getDurationEnv(EnvNLUMaxRetryDelay, 2*time.Second),
		},

		Bot: BotConfig{
			WebhookTimeout:      getDurationEnv(EnvWebhookTimeout, 25*time.Second),
			MaxEventsPerWebhook: getIntEnv(EnvMaxEventsPerWebhook, 100),
			UserRateBurst:       getIntEnv(EnvUserRateBurst, 10),
			UserRateRefill:      getFloatEnv(EnvUserRateRefill, 0.5), // 1 per 2s
			GlobalRateRPS:       getFloatEnv(EnvGlobalRateRPS, 80.0),
		},

		SentryToken:       getEnv(EnvSentryToken, ""),
		SentryHost:        getEnv(EnvSentryHost, ""),
		SentryEnvironment: getEnv(EnvSentryEnvironment, "production"),
		SentrySampleRate:  getFloatEnv(EnvSentrySampleRate, 1.0),

		BetterStackToken:    getEnv(EnvBetterStackToken, ""),
		BetterStackEndpoint: getEnv(EnvBetterStackEndpoint, ""),

		MetricsUsername: getEnv(EnvMetricsUsername, "prometheus"),
		MetricsPassword: getEnv(EnvMetricsPassword, ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if required configuration values are set
func (c *Config) Validate() error {
	var errs []error

	if c.LineChannelToken == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvLineChannelAccessToken))
	}
	if c.LineChannelSecret == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvLineChannelSecret))
	}
	if c.ScorecardAPIKey == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvScorecardAPIKey))
	}
	if c.Port == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvPort))
	}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("%s must be one of %v, got %q", EnvLogLevel, validLogLevels, c.LogLevel))
	}

	switch c.SessionBackend {
	case BackendSQLite:
		if c.DataDir == "" {
			errs = append(errs, fmt.Errorf("%s is required for the sqlite backend", EnvDataDir))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("%s is required for the redis backend", EnvRedisAddr))
		}
	default:
		errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", EnvSessionBackend, BackendSQLite, BackendRedis, c.SessionBackend))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", EnvSessionTTL, c.SessionTTL))
	}

	if c.ScorecardTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", EnvScorecardTimeout, c.ScorecardTimeout))
	}
	if c.ScorecardMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s cannot be negative, got %d", EnvScorecardMaxRetries, c.ScorecardMaxRetries))
	}
	if c.ScorecardRPS < 0 {
		errs = append(errs, fmt.Errorf("%s cannot be negative, got %v", EnvScorecardRPS, c.ScorecardRPS))
	}
	// A LINE carousel holds at most 10 columns.
	if c.MaxResultCards < 1 || c.MaxResultCards > 10 {
		errs = append(errs, fmt.Errorf("%s must be between 1 and 10, got %d", EnvMaxResultCards, c.MaxResultCards))
	}

	if err := c.NLU.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("nlu config: %w", err))
	}
	if err := c.Bot.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("bot config: %w", err))
	}

	if c.SentryToken != "" && c.SentryHost == "" {
		errs = append(errs, fmt.Errorf("%s is required when %s is set", EnvSentryHost, EnvSentryToken))
	}
	if c.SentrySampleRate < 0 || c.SentrySampleRate > 1 {
		errs = append(errs, fmt.Errorf("%s must be between 0 and 1, got %v", EnvSentrySampleRate, c.SentrySampleRate))
	}

	return errors.Join(errs...)
}

// Validate checks provider names and retry settings.
func (c *NLUConfig) Validate() error {
	var errs []error
	if unknown := lo.Without(c.Providers, validProviders...); len(unknown) > 0 {
		errs = append(errs, fmt.Errorf("%s has unknown providers %v", EnvNLUProviders, unknown))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", EnvNLUMaxAttempts, c.MaxAttempts))
	}
	if c.RetryDelay < 0 || c.MaxRetryDelay < c.RetryDelay {
		errs = append(errs, fmt.Errorf("%s must not exceed %s", EnvNLURetryDelay, EnvNLUMaxRetryDelay))
	}
	return errors.Join(errs...)
}

// Validate checks rate limits and webhook settings.
func (c *BotConfig) Validate() error {
	var errs []error
	if c.WebhookTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", EnvWebhookTimeout, c.WebhookTimeout))
	}
	if c.MaxEventsPerWebhook < 1 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", EnvMaxEventsPerWebhook, c.MaxEventsPerWebhook))
	}
	if c.UserRateBurst < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", EnvUserRateBurst, c.UserRateBurst))
	}
	if c.UserRateRefill <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", EnvUserRateRefill, c.UserRateRefill))
	}
	if c.GlobalRateRPS < 0 {
		errs = append(errs, fmt.Errorf("%s cannot be negative, got %v", EnvGlobalRateRPS, c.GlobalRateRPS))
	}
	return errors.Join(errs...)
}

// getEnv retrieves environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves integer environment variable with fallback to default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnv retrieves duration environment variable with fallback to default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getFloatEnv retrieves float64 environment variable with fallback to default value
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated variable, dropping blank items.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return lo.FilterMap(strings.Split(value, ","), func(item string, _ int) (string, bool) {
		item = strings.TrimSpace(item)
		return item, item != ""
	})
}

// getDefaultDataDir returns platform-specific default data directory
func getDefaultDataDir() string {
	if runtime.GOOS == "windows" {
		return "./data"
	}
	return "/data"
}

// SQLitePath returns the full path to the SQLite database file
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// HasLLMProvider returns true if at least one LLM provider is configured.
func (c *Config) HasLLMProvider() bool {
	n := c.NLU
	return n.GeminiAPIKey != "" || n.GroqAPIKey != "" || n.CerebrasAPIKey != "" || n.OpenAIAPIKey != ""
}
