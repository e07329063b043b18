package config

//nolint:gosec,revive // Environment variable keys are not credentials and do not need per-const comments.
const (
	// Core (Required)
	EnvLineChannelAccessToken = "LINE_CHANNEL_ACCESS_TOKEN"
	EnvLineChannelSecret      = "LINE_CHANNEL_SECRET"
	EnvScorecardAPIKey        = "SCORECARD_API_KEY"

	// Server
	EnvPort            = "PORT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"
	EnvLineAPIEndpoint = "LINE_API_ENDPOINT"

	// Sessions
	EnvDataDir        = "DATA_DIR"
	EnvSessionBackend = "SESSION_BACKEND"
	EnvSessionTTL     = "SESSION_TTL"
	EnvRedisAddr      = "REDIS_ADDR"
	EnvRedisPassword  = "REDIS_PASSWORD"
	EnvRedisDB        = "REDIS_DB"

	// School search
	EnvScorecardBaseURL    = "SCORECARD_BASE_URL"
	EnvScorecardTimeout    = "SCORECARD_TIMEOUT"
	EnvScorecardMaxRetries = "SCORECARD_MAX_RETRIES"
	EnvScorecardRPS        = "SCORECARD_RPS"
	EnvMaxResultCards      = "MAX_RESULT_CARDS"
	EnvCollegeSlotEnabled  = "COLLEGE_SLOT_ENABLED"

	// Webhook
	EnvWebhookTimeout      = "WEBHOOK_TIMEOUT"
	EnvMaxEventsPerWebhook = "MAX_EVENTS_PER_WEBHOOK"

	// Rate Limits
	EnvGlobalRateRPS  = "GLOBAL_RATE_RPS"
	EnvUserRateBurst  = "USER_RATE_BURST"
	EnvUserRateRefill = "USER_RATE_REFILL"

	// NLU
	EnvNLUProviders     = "NLU_PROVIDERS"
	EnvGeminiAPIKey     = "GEMINI_API_KEY"
	EnvGroqAPIKey       = "GROQ_API_KEY"
	EnvCerebrasAPIKey   = "CEREBRAS_API_KEY"
	EnvOpenAIAPIKey     = "OPENAI_API_KEY"
	EnvOpenAIEndpoint   = "OPENAI_ENDPOINT"
	EnvGeminiModels     = "GEMINI_MODELS"
	EnvGroqModels       = "GROQ_MODELS"
	EnvCerebrasModels   = "CEREBRAS_MODELS"
	EnvOpenAIModels     = "OPENAI_MODELS"
	EnvNLUMaxAttempts   = "NLU_MAX_ATTEMPTS"
	EnvNLURetryDelay    = "NLU_RETRY_DELAY"
	EnvNLUMaxRetryDelay = "NLU_MAX_RETRY_DELAY"

	// Sentry Feature
	EnvSentryToken       = "SENTRY_TOKEN"
	EnvSentryHost        = "SENTRY_HOST"
	EnvSentryEnvironment = "SENTRY_ENVIRONMENT"
	EnvSentrySampleRate  = "SENTRY_SAMPLE_RATE"

	// Better Stack Feature
	EnvBetterStackToken    = "BETTERSTACK_TOKEN"
	EnvBetterStackEndpoint = "BETTERSTACK_ENDPOINT"

	// Metrics Auth Feature
	EnvMetricsUsername = "METRICS_USERNAME"
	EnvMetricsPassword = "METRICS_PASSWORD"
)
