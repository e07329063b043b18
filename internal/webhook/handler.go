// Package webhook receives LINE webhook callbacks, verifies their signature
// and dispatches each event to the bot processor. Replies are sent with the
// event's reply token after the HTTP request has been acknowledged.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"golang.org/x/time/rate"

	"github.com/allaunyc/college-selection-bot/internal/bot"
	"github.com/allaunyc/college-selection-bot/internal/ctxutil"
	domerrors "github.com/allaunyc/college-selection-bot/internal/errors"
	"github.com/allaunyc/college-selection-bot/internal/lineutil"
	"github.com/allaunyc/college-selection-bot/internal/logger"
	"github.com/allaunyc/college-selection-bot/internal/metrics"
	"github.com/allaunyc/college-selection-bot/internal/sentry"
	"github.com/allaunyc/college-selection-bot/internal/timeouts"
)

const (
	// maxBodyBytes bounds the webhook request body.
	maxBodyBytes = 1 << 20

	defaultMaxEvents = 100
	minReplyTokenLen = 10
)

// EventProcessor turns webhook events into reply messages.
type EventProcessor interface {
	ProcessMessage(ctx context.Context, event webhook.MessageEvent) ([]messaging_api.MessageInterface, error)
	ProcessPostback(ctx context.Context, event webhook.PostbackEvent) ([]messaging_api.MessageInterface, error)
	ProcessFollow(ctx context.Context, event webhook.FollowEvent) ([]messaging_api.MessageInterface, error)
}

// Handler handles LINE webhook events
type Handler struct {
	channelSecret string
	client        *messaging_api.MessagingApiAPI
	processor     EventProcessor
	replyLimiter  *rate.Limiter // nil means unlimited
	metrics       *metrics.Metrics
	logger        *logger.Logger
	wg            sync.WaitGroup

	maxEvents int
}

// HandlerConfig holds configuration for creating a new Handler
type HandlerConfig struct {
	ChannelSecret string
	ChannelToken  string
	// APIEndpoint overrides the Messaging API base URL.
	APIEndpoint string

	Processor EventProcessor
	Logger    *logger.Logger
	Metrics   *metrics.Metrics // optional

	// ReplyRate caps outgoing API calls per second. Zero disables the cap.
	ReplyRate float64
	// MaxEventsPerWebhook truncates oversized batches.
	MaxEventsPerWebhook int
}

// NewHandler creates a new webhook handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Processor == nil {
		return nil, errors.New("webhook: processor is required")
	}

	var opts []messaging_api.MessagingApiAPIOption
	if cfg.APIEndpoint != "" {
		opts = append(opts, messaging_api.WithEndpoint(cfg.APIEndpoint))
	}
	client, err := messaging_api.NewMessagingApiAPI(cfg.ChannelToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("create messaging API client: %w", err)
	}

	h := &Handler{
		channelSecret: cfg.ChannelSecret,
		client:        client,
		processor:     cfg.Processor,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.WithModule("webhook"),
		maxEvents:     cfg.MaxEventsPerWebhook,
	}
	if h.maxEvents <= 0 {
		h.maxEvents = defaultMaxEvents
	}
	if cfg.ReplyRate > 0 {
		h.replyLimiter = rate.NewLimiter(rate.Limit(cfg.ReplyRate), max(1, int(cfg.ReplyRate)))
	}
	return h, nil
}

// Handle is the Gin handler for the webhook endpoint
func (h *Handler) Handle(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	cb, err := webhook.ParseRequest(h.channelSecret, c.Request)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			h.logger.Warn("Invalid webhook signature")
			c.Status(http.StatusBadRequest)
		case errors.As(err, &tooLarge):
			h.logger.WithField("limit", tooLarge.Limit).Warn("Webhook body too large")
			c.Status(http.StatusRequestEntityTooLarge)
		default:
			h.logger.WithError(err).Error("Failed to parse webhook request")
			c.Status(http.StatusInternalServerError)
		}
		return
	}

	// LINE expects a quick acknowledgment; events are handled afterwards.
	c.Status(http.StatusOK)

	if len(cb.Events) == 0 {
		return
	}
	if len(cb.Events) > h.maxEvents {
		h.logger.WithField("event_count", len(cb.Events)).
			WithField("limit", h.maxEvents).
			Warn("Too many events in webhook batch; truncating")
		cb.Events = cb.Events[:h.maxEvents]
	}

	events := make([]webhook.EventInterface, len(cb.Events))
	copy(events, cb.Events)

	start := time.Now()
	h.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.WithField("panic", r).Error("Panic in async event processing")
				sentry.CaptureException(fmt.Errorf("webhook panic: %v", r))
			}
		}()

		for _, event := range events {
			h.processEvent(context.Background(), event, start)
		}
	})
}

// processEvent handles a single webhook event.
func (h *Handler) processEvent(ctx context.Context, event webhook.EventInterface, batchStart time.Time) {
	eventStart := time.Now()

	eventID, isRedelivery := eventMeta(event)
	log := h.logger
	if eventID != "" {
		ctx = ctxutil.WithRequestID(ctx, eventID)
		log = log.WithRequestID(eventID)
	}
	if isRedelivery {
		log = log.WithField("is_redelivery", true)
	}

	var (
		eventType string
		messages  []messaging_api.MessageInterface
		err       error
	)
	switch e := event.(type) {
	case webhook.MessageEvent:
		eventType = "message"
		h.showLoading(log, e.Source)
		messages, err = h.processor.ProcessMessage(ctx, e)
	case webhook.PostbackEvent:
		eventType = "postback"
		h.showLoading(log, e.Source)
		messages, err = h.processor.ProcessPostback(ctx, e)
	case webhook.FollowEvent:
		eventType = "follow"
		messages, err = h.processor.ProcessFollow(ctx, e)
	default:
		log.WithField("event_type", fmt.Sprintf("%T", e)).Debug("Unsupported event type")
		return
	}

	status := "success"
	if err != nil {
		status = "error"
		log.WithError(err).
			WithField("event_type", eventType).
			WithField("reason", domerrors.GetUserMessage(err)).
			Error("Failed to handle event")
		sentry.CaptureExceptionWithContext(ctx, err)
	}
	if h.metrics != nil {
		h.metrics.RecordWebhook(eventType, status, time.Since(eventStart).Seconds())
	}

	if err == nil && len(messages) > 0 {
		h.reply(ctx, log, eventType, replyToken(event), messages)
	}

	log.WithField("event_type", eventType).
		WithField("event_duration_ms", time.Since(eventStart).Milliseconds()).
		WithField("batch_duration_ms", time.Since(batchStart).Milliseconds()).
		Info("Event processed")
}

// reply sends messages with token, dropping any beyond the per-reply cap.
func (h *Handler) reply(ctx context.Context, log *logger.Logger, eventType, token string, messages []messaging_api.MessageInterface) {
	if len(token) < minReplyTokenLen {
		log.WithField("token_length", len(token)).Debug("Missing or invalid reply token, skipping reply")
		return
	}
	if len(messages) > lineutil.MaxReplyMessages {
		log.WithField("message_count", len(messages)).
			WithField("limit", lineutil.MaxReplyMessages).
			Warn("Message count exceeds limit; truncating")
		messages = messages[:lineutil.MaxReplyMessages]
	}

	if err := h.wait(ctx); err != nil {
		log.WithError(err).Warn("Reply abandoned while rate limited")
		return
	}

	if _, err := h.client.ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: token,
		Messages:   messages,
	}); err != nil {
		if strings.Contains(err.Error(), "Invalid reply token") {
			log.WithError(err).Debug("Reply token already used or expired")
		} else {
			log.WithError(err).Error("Failed to send reply")
			sentry.CaptureExceptionWithContext(ctx, err)
		}
		if h.metrics != nil {
			h.metrics.RecordWebhook(eventType, "reply_error", 0)
		}
	}
}

// wait blocks until the reply limiter grants a token.
func (h *Handler) wait(ctx context.Context) error {
	if h.replyLimiter == nil || h.replyLimiter.Allow() {
		return nil
	}
	if h.metrics != nil {
		h.metrics.RecordRateLimiterDrop("global")
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.WebhookProcessing)
	defer cancel()
	return h.replyLimiter.Wait(ctx)
}

// showLoading starts the typing indicator in one-on-one chats. LINE does not
// support it in groups.
func (h *Handler) showLoading(log *logger.Logger, source webhook.SourceInterface) {
	if !bot.IsPersonalChat(source) {
		return
	}
	if _, err := h.client.ShowLoadingAnimation(&messaging_api.ShowLoadingAnimationRequest{
		ChatId:         bot.GetChatID(source),
		LoadingSeconds: int32(timeouts.LoadingAnimation / time.Second),
	}); err != nil {
		log.WithError(err).Warn("Failed to show loading animation")
	}
}

func eventMeta(event webhook.EventInterface) (string, bool) {
	var (
		id string
		dc *webhook.DeliveryContext
	)
	switch e := event.(type) {
	case webhook.MessageEvent:
		id, dc = e.WebhookEventId, e.DeliveryContext
	case webhook.PostbackEvent:
		id, dc = e.WebhookEventId, e.DeliveryContext
	case webhook.FollowEvent:
		id, dc = e.WebhookEventId, e.DeliveryContext
	}
	return id, dc != nil && dc.IsRedelivery
}

func replyToken(event webhook.EventInterface) string {
	switch e := event.(type) {
	case webhook.MessageEvent:
		return e.ReplyToken
	case webhook.PostbackEvent:
		return e.ReplyToken
	case webhook.FollowEvent:
		return e.ReplyToken
	default:
		return ""
	}
}

// Shutdown waits for all async event processing to complete.
// It returns an error if the context is canceled before completion.
func (h *Handler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
