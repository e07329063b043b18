// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/allaunyc/college-selection-bot/internal/bot"
	"github.com/allaunyc/college-selection-bot/internal/buildinfo"
	"github.com/allaunyc/college-selection-bot/internal/config"
	"github.com/allaunyc/college-selection-bot/internal/ctxutil"
	"github.com/allaunyc/college-selection-bot/internal/dialogue"
	"github.com/allaunyc/college-selection-bot/internal/logger"
	"github.com/allaunyc/college-selection-bot/internal/metrics"
	"github.com/allaunyc/college-selection-bot/internal/nlu"
	"github.com/allaunyc/college-selection-bot/internal/ratelimit"
	"github.com/allaunyc/college-selection-bot/internal/scorecard"
	"github.com/allaunyc/college-selection-bot/internal/sentry"
	"github.com/allaunyc/college-selection-bot/internal/storage"
	"github.com/allaunyc/college-selection-bot/internal/timeouts"
	"github.com/allaunyc/college-selection-bot/internal/webhook"
)

const serviceName = "college-selection-bot"

// purger is implemented by session stores that expire rows themselves.
type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// counter is implemented by session stores that can report their size.
type counter interface {
	Count(ctx context.Context) (int, error)
}

// Application manages the application lifecycle and dependencies.
type Application struct {
	cfg            *config.Config
	logger         *logger.Logger
	store          storage.SessionStore
	parser         *nlu.FallbackParser
	schools        *scorecard.Client
	metrics        *metrics.Metrics
	registry       *prometheus.Registry
	userLimiter    *ratelimit.KeyedLimiter
	webhookHandler *webhook.Handler
	router         *gin.Engine
	server         *http.Server
	wg             sync.WaitGroup // background jobs
}

// Initialize creates and initializes a new application with all dependencies.
func Initialize(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logger.NewWithOptions(cfg.LogLevel, os.Stdout, logger.Options{
		BetterStackToken:    cfg.BetterStackToken,
		BetterStackEndpoint: cfg.BetterStackEndpoint,
	})

	log = log.WithField("service", serviceName)
	if host, err := os.Hostname(); err == nil && host != "" {
		log = log.WithField("instance_id", host)
	}

	// Package-level slog.*Context() calls go through the ContextHandler too.
	slog.SetDefault(log.Logger)

	log.WithField("version", buildinfo.Version).Info("Initializing application...")
	if cfg.BetterStackToken != "" {
		log.WithField("endpoint", cfg.BetterStackEndpoint).Info("Better Stack logging enabled")
	}

	if err := sentry.Initialize(sentry.Config{
		Token:       cfg.SentryToken,
		Host:        cfg.SentryHost,
		Environment: cfg.SentryEnvironment,
		Release:     buildinfo.Version,
		SampleRate:  cfg.SentrySampleRate,
	}); err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	if sentry.IsEnabled() {
		log.WithField("host", cfg.SentryHost).Info("Error tracking enabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewBuildInfoCollector(),
	)
	m := metrics.New(registry)

	store, err := storage.Open(ctx, storage.Config{
		Backend: cfg.SessionBackend,
		Path:    cfg.SQLitePath(),
		Redis: storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		TTL: cfg.SessionTTL,
	}, m)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	log.WithField("backend", cfg.SessionBackend).
		WithField("ttl", cfg.SessionTTL.String()).
		Info("Session store connected")

	parser := nlu.NewParser(ctx, buildNLUConfig(cfg), m)
	log.WithField("providers", lo.Map(parser.Providers(), func(p nlu.Provider, _ int) string {
		return p.String()
	})).Info("NLU chain ready")

	schools := scorecard.NewClient(scorecard.ClientConfig{
		BaseURL:           cfg.ScorecardBaseURL,
		APIKey:            cfg.ScorecardAPIKey,
		Timeout:           cfg.ScorecardTimeout,
		MaxRetries:        cfg.ScorecardMaxRetries,
		RequestsPerSecond: cfg.ScorecardRPS,
		UserAgent:         serviceName + "/" + buildinfo.Version,
		Metrics:           m,
		Logger:            log.WithModule("scorecard"),
	})

	userLimiter := ratelimit.NewKeyedLimiter(ratelimit.KeyedConfig{
		Name:          "user",
		Burst:         cfg.Bot.UserRateBurst,
		RefillRate:    cfg.Bot.UserRateRefill,
		CleanupPeriod: timeouts.RateLimiterCleanupInterval,
		Metrics:       m,
	})

	processor := bot.NewProcessor(bot.ProcessorConfig{
		Store:       store,
		Parser:      parser,
		Schools:     schools,
		Machine:     dialogue.NewMachine(cfg.CollegeSlotEnabled),
		UserLimiter: userLimiter,
		Logger:      log.WithModule("bot"),
		Metrics:     m,
		MaxCards:    cfg.MaxResultCards,
		TurnTimeout: cfg.Bot.WebhookTimeout,
	})

	webhookHandler, err := webhook.NewHandler(webhook.HandlerConfig{
		ChannelSecret:       cfg.LineChannelSecret,
		ChannelToken:        cfg.LineChannelToken,
		APIEndpoint:         cfg.LineAPIEndpoint,
		Processor:           processor,
		Logger:              log.WithModule("webhook"),
		Metrics:             m,
		ReplyRate:           cfg.Bot.GlobalRateRPS,
		MaxEventsPerWebhook: cfg.Bot.MaxEventsPerWebhook,
	})
	if err != nil {
		_ = store.Close()
		_ = parser.Close()
		userLimiter.Stop()
		return nil, fmt.Errorf("webhook: %w", err)
	}

	app := &Application{
		cfg:            cfg,
		logger:         log,
		store:          store,
		parser:         parser,
		schools:        schools,
		metrics:        m,
		registry:       registry,
		userLimiter:    userLimiter,
		webhookHandler: webhookHandler,
	}
	gin.SetMode(gin.ReleaseMode)
	app.router = app.newRouter()
	app.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.router,
		ReadHeaderTimeout: timeouts.WebhookHTTPRead,
		ReadTimeout:       timeouts.WebhookHTTPRead,
		WriteTimeout:      timeouts.WebhookHTTPWrite,
		IdleTimeout:       timeouts.WebhookHTTPIdle,
	}

	log.Info("Initialization complete")
	return app, nil
}

// buildNLUConfig maps the environment configuration onto the provider chain.
func buildNLUConfig(cfg *config.Config) nlu.Config {
	nluCfg := nlu.DefaultConfig()

	if len(cfg.NLU.Providers) > 0 {
		nluCfg.Providers = lo.Map(cfg.NLU.Providers, func(p string, _ int) nlu.Provider {
			return nlu.Provider(p)
		})
	}

	nluCfg.Gemini.APIKey = cfg.NLU.GeminiAPIKey
	nluCfg.Groq.APIKey = cfg.NLU.GroqAPIKey
	nluCfg.Cerebras.APIKey = cfg.NLU.CerebrasAPIKey
	nluCfg.OpenAI.APIKey = cfg.NLU.OpenAIAPIKey
	nluCfg.OpenAI.Endpoint = cfg.NLU.OpenAIEndpoint

	if len(cfg.NLU.GeminiModels) > 0 {
		nluCfg.Gemini.Models = cfg.NLU.GeminiModels
	}
	if len(cfg.NLU.GroqModels) > 0 {
		nluCfg.Groq.Models = cfg.NLU.GroqModels
	}
	if len(cfg.NLU.CerebrasModels) > 0 {
		nluCfg.Cerebras.Models = cfg.NLU.CerebrasModels
	}
	if len(cfg.NLU.OpenAIModels) > 0 {
		nluCfg.OpenAI.Models = cfg.NLU.OpenAIModels
	}

	if cfg.NLU.MaxAttempts > 0 {
		nluCfg.Retry.MaxAttempts = cfg.NLU.MaxAttempts
	}
	if cfg.NLU.RetryDelay > 0 {
		nluCfg.Retry.InitialDelay = cfg.NLU.RetryDelay
	}
	if cfg.NLU.MaxRetryDelay > 0 {
		nluCfg.Retry.MaxDelay = cfg.NLU.MaxRetryDelay
	}

	return nluCfg
}

func (a *Application) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if sentry.IsEnabled() {
		router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}
	router.Use(securityHeadersMiddleware())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware(a.logger))

	router.GET("/", a.serviceInfo)
	router.GET("/livez", a.livenessCheck)
	router.HEAD("/livez", a.livenessCheck)
	router.GET("/readyz", a.readinessCheck)
	router.HEAD("/readyz", a.readinessCheck)
	if a.webhookHandler != nil {
		router.POST("/webhook", a.webhookHandler.Handle)
	}
	router.GET("/metrics",
		metricsAuthMiddleware(a.cfg.MetricsUsername, a.cfg.MetricsPassword),
		gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	return router
}

func (a *Application) serviceInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":    serviceName,
		"version":    buildinfo.Version,
		"commit":     buildinfo.Commit,
		"build_date": buildinfo.BuildDate,
	})
}

func (a *Application) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
	})
}

func (a *Application) features() gin.H {
	var providers []string
	if a.parser != nil {
		providers = lo.Map(a.parser.Providers(), func(p nlu.Provider, _ int) string { return p.String() })
	}
	return gin.H{
		"nlu_providers":   providers,
		"college_slot":    a.cfg.CollegeSlotEnabled,
		"session_backend": a.cfg.SessionBackend,
	}
}

func (a *Application) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeouts.ReadinessCheck)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.WithError(err).Warn("Readiness check failed: session store unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "session store unavailable",
		})
		return
	}

	resp := gin.H{
		"status":   "ready",
		"sessions": "connected",
		"features": a.features(),
	}
	if cnt, ok := a.store.(counter); ok {
		if n, err := cnt.Count(ctx); err == nil {
			resp["stored_sessions"] = n
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Handler returns the HTTP handler serving every route.
func (a *Application) Handler() http.Handler {
	return a.router
}

// Run starts the HTTP server and background jobs and blocks until SIGINT or
// SIGTERM.
//
// Background jobs are stopped and awaited before the session store is
// closed, so a purge never runs against a closed database.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.startBackgroundJobs(ctx)
	serverErr := a.startHTTPServer()

	select {
	case sig := <-a.shutdownSignal():
		a.logger.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-serverErr:
		a.logger.WithError(err).Error("HTTP server stopped unexpectedly")
	}

	cancel()

	a.logger.Info("Waiting for background jobs to finish...")
	start := time.Now()
	a.wg.Wait()
	a.logger.WithField("duration_ms", time.Since(start).Milliseconds()).
		Info("All background jobs completed")

	return a.shutdown()
}

func (a *Application) startBackgroundJobs(ctx context.Context) {
	if p, ok := a.store.(purger); ok {
		a.wg.Go(func() {
			a.sessionPurge(ctx, p)
		})
	}
	a.wg.Go(func() {
		a.updateGaugeMetrics(ctx)
	})
}

func (a *Application) startHTTPServer() <-chan error {
	errc := make(chan error, 1)
	go func() {
		a.logger.WithField("port", a.cfg.Port).Info("Starting HTTP server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	return errc
}

func (a *Application) shutdownSignal() <-chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	return quit
}

// shutdown stops the HTTP server, drains in-flight webhook events and then
// releases resources. Call it only after background jobs have returned.
func (a *Application) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	a.logger.Info("Stopping HTTP server...")
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("HTTP server shutdown error")
	}

	a.logger.Info("Waiting for webhook events to complete...")
	if err := a.webhookHandler.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("Webhook handler shutdown timeout")
	}

	a.logger.Info("Closing resources...")

	if err := a.parser.Close(); err != nil {
		a.logger.WithError(err).WithField("component", "nlu").Error("Component close error")
	}
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).WithField("component", "sessions").Error("Component close error")
	}
	a.userLimiter.Stop()

	if deadline, ok := shutdownCtx.Deadline(); ok {
		sentry.Flush(time.Until(deadline))
	}

	a.logger.Info("Shutdown complete")
	if err := a.logger.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("Logger shutdown timed out")
	}
	return nil
}

// sessionPurge deletes expired sessions on startup and then every
// SessionPurgeInterval.
func (a *Application) sessionPurge(ctx context.Context, p purger) {
	a.logger.Debug("Session purge job started")
	defer a.logger.Debug("Session purge job stopped")

	a.runSessionPurge(ctx, p)

	ticker := time.NewTicker(timeouts.SessionPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runSessionPurge(ctx, p)
		}
	}
}

func (a *Application) runSessionPurge(ctx context.Context, p purger) {
	start := time.Now()
	deleted, err := p.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.WithError(err).Error("Failed to purge expired sessions")
		}
		return
	}

	duration := time.Since(start)
	a.logger.WithField("deleted", deleted).
		WithField("duration_ms", duration.Milliseconds()).
		Info("Session purge completed")
	if a.metrics != nil {
		a.metrics.RecordJob("session_purge", duration.Seconds())
	}
}

// updateGaugeMetrics periodically refreshes gauges that are not updated on
// the request path.
func (a *Application) updateGaugeMetrics(ctx context.Context) {
	a.logger.Debug("Gauge metrics job started")
	defer a.logger.Debug("Gauge metrics job stopped")

	a.recordGaugeMetrics(ctx)

	ticker := time.NewTicker(timeouts.MetricsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.recordGaugeMetrics(ctx)
		}
	}
}

func (a *Application) recordGaugeMetrics(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	if a.userLimiter != nil {
		a.metrics.SetRateLimiterUsers(a.userLimiter.ActiveCount())
	}
	if cnt, ok := a.store.(counter); ok {
		n, err := cnt.Count(ctx)
		if err != nil {
			a.logger.WithError(err).Debug("Failed to count stored sessions")
			return
		}
		a.metrics.SetSessionsStored(n)
	}
}

// securityHeadersMiddleware adds security headers to responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Next()
	}
}

// requestIDMiddleware propagates X-Request-Id, generating one when absent.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = c.GetHeader("X-Correlation-Id")
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-Id", requestID)
		c.Request = c.Request.WithContext(ctxutil.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// loggingMiddleware logs HTTP requests with status-based log levels:
// 5xx=Error, 4xx=Warn, 404=Debug, 3xx/2xx=Debug.
func loggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		status := c.Writer.Status()
		entry := log.WithField("http_method", method).
			WithField("http_path", path).
			WithField("http_status", status).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			WithField("client_ip", c.ClientIP())

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			entry.ErrorContext(ctx, "HTTP request failed")
		case status == http.StatusNotFound:
			entry.DebugContext(ctx, "HTTP request not found")
		case status >= 400:
			entry.WarnContext(ctx, "HTTP request rejected")
		default:
			entry.DebugContext(ctx, "HTTP request completed")
		}
	}
}
