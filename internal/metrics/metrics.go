package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Scorecard API metrics
	ScorecardRequestsTotal   *prometheus.CounterVec
	ScorecardDurationSeconds *prometheus.HistogramVec
	ScorecardResultsTotal    prometheus.Histogram

	// NLU metrics
	NLURequestsTotal   *prometheus.CounterVec
	NLUDurationSeconds *prometheus.HistogramVec
	NLUFallbackTotal   *prometheus.CounterVec

	// Dialogue metrics
	DialogueTurnsTotal       *prometheus.CounterVec
	DialogueCompletionsTotal prometheus.Counter
	DialogueUnmappedTotal    *prometheus.CounterVec

	// Session store metrics
	SessionOpsTotal       *prometheus.CounterVec
	SessionDurationSecond *prometheus.HistogramVec

	// Webhook metrics
	WebhookDurationSeconds *prometheus.HistogramVec
	WebhookRequestsTotal   *prometheus.CounterVec

	// Rate limiter metrics
	RateLimiterDropped *prometheus.CounterVec
	RateLimiterUsers   prometheus.Gauge

	// Singleflight metrics
	SingleflightDedupTotal *prometheus.CounterVec

	// Background job metrics
	SessionsStored     prometheus.Gauge
	JobDurationSeconds *prometheus.HistogramVec
}

// New creates a new Metrics instance with all metrics registered
func New(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	m := &Metrics{
		ScorecardRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strive_scorecard_requests_total",
				Help: "Total number of College Scorecard API requests by kind and status",
			},
			[]string{"kind", "status"}, // kind: search, college; status: success, error, timeout
		),

		ScorecardDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strive_scorecard_duration_seconds",
				Help:    "College Scorecard API request duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"kind"},
		),

		ScorecardResultsTotal: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "strive_scorecard_results",
				Help:    "Number of schools returned per search",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
			},
		),

		NLURequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strive_nlu_requests_total",
				Help: "Total number of NLU requests by provider and status",
			},
			[]string{"provider", "status"}, // status: success, error
		),

		NLUDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strive_nlu_duration_seconds",
				Help:    "NLU request duration in seconds by provider",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		),

		NLUFallbackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strive_nlu_fallback_total",
				Help: "Total number of NLU provider fallbacks",
			},
			[]string{"from", "to"},
		),

		DialogueTurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strive_dialogue_turns_total",
				Help: "Total number of dialogue turns by slot and outcome",
			},
			[]string{"slot", "outcome"}, // outcome: filled, skipped, reprompt, unknown_intent
		),

		DialogueCompletionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "strive_dialogue_completions_total",
				Help: "Total number of conversations that collected every slot",
			},
		),

		DialogueUnmappedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strive_dialogue_unmapped_total",
				Help: "Total number of slot values that matched no known category",
			},
			[]string{"slot"},
		),

		SessionOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strive_session_ops_total",
				Help: "Total number of session store operations by backend, operation and status",
			},
			[]string{"backend", "op", "status"}, // op: load, save; status: success, not_found, error
		),

		SessionDurationSecond: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strive_session_duration_seconds",
				Help:    "Session store operation duration in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"backend", "op"},
		),

		WebhookDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strive_webhook_duration_seconds",
				Help:    "Webhook processing duration in seconds by event type",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"}, // event_type: message, postback, follow
		),

		WebhookRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strive_webhook_requests_total",
				Help: "Total number of webhook events by event type and status",
			},
			[]string{"event_type", "status"}, // status: success, error, reply_error
		),

		RateLimiterDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strive_rate_limiter_dropped_total",
				Help: "Total number of requests dropped by rate limiter",
			},
			[]string{"limiter_type"}, // limiter_type: user, global
		),

		RateLimiterUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "strive_rate_limiter_users",
				Help: "Number of users currently tracked by the per-user rate limiter",
			},
		),

		SingleflightDedupTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strive_singleflight_dedup_total",
				Help: "Total number of deduplicated requests (requests that waited instead of executing)",
			},
			[]string{"module"},
		),

		SessionsStored: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "strive_sessions_stored",
				Help: "Number of dialogue sessions in the SQLite store",
			},
		),

		JobDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strive_job_duration_seconds",
				Help:    "Background job duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"job"},
		),
	}

	return m
}

// RecordScorecardRequest records a College Scorecard API request
func (m *Metrics) RecordScorecardRequest(kind, status string, duration float64) {
	m.ScorecardRequestsTotal.WithLabelValues(kind, status).Inc()
	m.ScorecardDurationSeconds.WithLabelValues(kind).Observe(duration)
}

// RecordScorecardResults records the size of a search result list
func (m *Metrics) RecordScorecardResults(count int) {
	m.ScorecardResultsTotal.Observe(float64(count))
}

// RecordNLU records an NLU request
func (m *Metrics) RecordNLU(provider, status string, duration float64) {
	m.NLURequestsTotal.WithLabelValues(provider, status).Inc()
	m.NLUDurationSeconds.WithLabelValues(provider).Observe(duration)
}

// RecordNLUFallback records a switch from one NLU provider to another
func (m *Metrics) RecordNLUFallback(from, to string) {
	m.NLUFallbackTotal.WithLabelValues(from, to).Inc()
}

// RecordTurn records the outcome of one dialogue turn
func (m *Metrics) RecordTurn(slot, outcome string) {
	m.DialogueTurnsTotal.WithLabelValues(slot, outcome).Inc()
}

// RecordCompletion records a finished conversation
func (m *Metrics) RecordCompletion() {
	m.DialogueCompletionsTotal.Inc()
}

// RecordUnmapped records a slot value kept without a canonical mapping
func (m *Metrics) RecordUnmapped(slot string) {
	m.DialogueUnmappedTotal.WithLabelValues(slot).Inc()
}

// RecordSessionOp records a session store operation
func (m *Metrics) RecordSessionOp(backend, op, status string, duration float64) {
	m.SessionOpsTotal.WithLabelValues(backend, op, status).Inc()
	m.SessionDurationSecond.WithLabelValues(backend, op).Observe(duration)
}

// RecordWebhook records webhook metrics
func (m *Metrics) RecordWebhook(eventType, status string, duration float64) {
	m.WebhookRequestsTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDurationSeconds.WithLabelValues(eventType).Observe(duration)
}

// RecordRateLimiterDrop records a dropped request
func (m *Metrics) RecordRateLimiterDrop(limiterType string) {
	m.RateLimiterDropped.WithLabelValues(limiterType).Inc()
}

// SetRateLimiterUsers sets the number of tracked users
func (m *Metrics) SetRateLimiterUsers(count int) {
	m.RateLimiterUsers.Set(float64(count))
}

// RecordSingleflightDedup records a deduplicated request
func (m *Metrics) RecordSingleflightDedup(module string) {
	m.SingleflightDedupTotal.WithLabelValues(module).Inc()
}

// SetSessionsStored sets the number of stored sessions
func (m *Metrics) SetSessionsStored(count int) {
	m.SessionsStored.Set(float64(count))
}

// RecordJob records a background job run
func (m *Metrics) RecordJob(job string, duration float64) {
	m.JobDurationSeconds.WithLabelValues(job).Observe(duration)
}
