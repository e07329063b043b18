// Package timeouts provides centralized timeout constants for the application.
//
// # LINE API Constraints
//
// LINE expects the webhook to be acknowledged quickly, so events are processed
// after the 200 OK is written. A reply token is valid for a short time only,
// and the loading animation shows for at most 60 seconds, which bounds how
// long one dialogue turn (NLU call, session I/O and school search) may take.
package timeouts

import "time"

// Webhook timeouts
const (
	// WebhookProcessing is the timeout for processing a single webhook event,
	// including the NLU call, session storage and the College Scorecard query.
	WebhookProcessing = 25 * time.Second

	// WebhookHTTPRead is the HTTP server read timeout for webhook requests.
	WebhookHTTPRead = 10 * time.Second

	// WebhookHTTPWrite is the HTTP server write timeout.
	WebhookHTTPWrite = 30 * time.Second

	// WebhookHTTPIdle is the HTTP server idle timeout for keep-alive connections.
	WebhookHTTPIdle = 120 * time.Second

	// LoadingAnimation is how long LINE shows the typing indicator.
	// LINE accepts multiples of 5 between 5 and 60.
	LoadingAnimation = 60 * time.Second
)

// Upstream timeouts
const (
	// ScorecardRequest is the timeout for a single College Scorecard HTTP attempt.
	ScorecardRequest = 10 * time.Second

	// NLURequest is the timeout for a single intent detection call.
	NLURequest = 8 * time.Second

	// RedisDial bounds the initial Redis ping.
	RedisDial = 5 * time.Second
)

// Database timeouts
const (
	// DatabaseBusyTimeout is the SQLite busy_timeout pragma value.
	DatabaseBusyTimeout = 5 * time.Second

	// DatabaseConnMaxLifetime is the maximum lifetime of database connections.
	DatabaseConnMaxLifetime = time.Hour
)

// Background job intervals
const (
	// SessionPurgeInterval is how often expired SQLite sessions are deleted.
	SessionPurgeInterval = time.Hour

	// MetricsUpdateInterval is how often gauge metrics are refreshed.
	MetricsUpdateInterval = 5 * time.Minute

	// RateLimiterCleanupInterval is how often idle user rate limiters are dropped.
	RateLimiterCleanupInterval = 5 * time.Minute
)

// Health checks and shutdown
const (
	// ReadinessCheck bounds the session store ping behind /readyz.
	ReadinessCheck = 3 * time.Second


	// GracefulShutdown is the timeout for graceful server shutdown.
	// Allows in-flight requests and queued replies to complete.
	GracefulShutdown = 30 * time.Second
)
