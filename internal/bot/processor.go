// Package bot turns LINE events into school-search dialogue turns. The
// Processor loads the sender's session, runs the message through the NLU
// parser and the slot normalizer, advances the slot machine and builds the
// reply: the next question, or the search results once every slot is set.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/allaunyc/college-selection-bot/internal/ctxutil"
	"github.com/allaunyc/college-selection-bot/internal/dialogue"
	domerrors "github.com/allaunyc/college-selection-bot/internal/errors"
	"github.com/allaunyc/college-selection-bot/internal/lineutil"
	"github.com/allaunyc/college-selection-bot/internal/logger"
	"github.com/allaunyc/college-selection-bot/internal/metrics"
	"github.com/allaunyc/college-selection-bot/internal/nlu"
	"github.com/allaunyc/college-selection-bot/internal/ratelimit"
	"github.com/allaunyc/college-selection-bot/internal/scorecard"
	"github.com/allaunyc/college-selection-bot/internal/storage"
	"github.com/allaunyc/college-selection-bot/internal/timeouts"
)

// SchoolSearcher queries school data for a completed session.
type SchoolSearcher interface {
	Search(ctx context.Context, s *dialogue.Session) ([]scorecard.School, error)
	LookupColleges(ctx context.Context, names []string) []scorecard.School
}

// Turn outcomes recorded in metrics.
const (
	outcomeFilled   = "filled"
	outcomeSkipped  = "skipped"
	outcomeReprompt = "reprompt"
	outcomeInvalid  = "invalid"
)

// Processor handles the core logic of processing LINE events.
// Concurrent events of one user are not serialized: each turn loads,
// mutates and saves the session, and the last save wins.
type Processor struct {
	store       storage.SessionStore
	parser      nlu.Parser
	schools     SchoolSearcher
	machine     *dialogue.Machine
	mappers     *dialogue.Mappers
	userLimiter *ratelimit.KeyedLimiter
	logger      *logger.Logger
	metrics     *metrics.Metrics

	maxCards    int
	turnTimeout time.Duration
}

// ProcessorConfig holds configuration for creating a new Processor.
type ProcessorConfig struct {
	Store   storage.SessionStore
	Parser  nlu.Parser
	Schools SchoolSearcher
	Machine *dialogue.Machine
	Mappers *dialogue.Mappers // optional, defaults to the built-in tables

	UserLimiter *ratelimit.KeyedLimiter // optional
	Logger      *logger.Logger
	Metrics     *metrics.Metrics // optional

	MaxCards    int           // result cards per reply, defaults to scorecard.MaxCards
	TurnTimeout time.Duration // defaults to timeouts.WebhookProcessing
}

// NewProcessor creates a new event processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Machine == nil {
		cfg.Machine = dialogue.NewMachine(false)
	}
	if cfg.Mappers == nil {
		cfg.Mappers = dialogue.NewMappers()
	}
	if cfg.MaxCards <= 0 {
		cfg.MaxCards = scorecard.MaxCards
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = timeouts.WebhookProcessing
	}
	return &Processor{
		store:       cfg.Store,
		parser:      cfg.Parser,
		schools:     cfg.Schools,
		machine:     cfg.Machine,
		mappers:     cfg.Mappers,
		userLimiter: cfg.UserLimiter,
		logger:      cfg.Logger.WithModule("bot"),
		metrics:     cfg.Metrics,
		maxCards:    cfg.MaxCards,
		turnTimeout: cfg.TurnTimeout,
	}
}

// ProcessMessage handles a message event. Text advances the conversation;
// any other content is acknowledged without touching the session.
func (p *Processor) ProcessMessage(ctx context.Context, event webhook.MessageEvent) ([]messaging_api.MessageInterface, error) {
	userID := GetUserID(event.Source)
	ctx = ctxutil.WithChatID(ctxutil.WithUserID(ctx, userID), GetChatID(event.Source))

	if !p.allow(ctx, userID) {
		return nil, nil
	}

	textMsg, ok := event.Message.(webhook.TextMessageContent)
	if !ok {
		p.logger.WithField("type", event.Message.GetType()).Debug("Attachment received")
		return textMessages(attachmentText), nil
	}

	text := strings.TrimSpace(textMsg.Text)
	if text == "" || userID == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctxutil.PreserveTracing(ctx), p.turnTimeout)
	defer cancel()

	if strings.EqualFold(text, RestartKeyword) {
		return p.restart(ctx, userID)
	}
	return p.handleText(ctx, userID, text)
}

// ProcessPostback handles start and restart postbacks. Other payloads, such
// as quick reply data, are logged and ignored.
func (p *Processor) ProcessPostback(ctx context.Context, event webhook.PostbackEvent) ([]messaging_api.MessageInterface, error) {
	userID := GetUserID(event.Source)
	ctx = ctxutil.WithChatID(ctxutil.WithUserID(ctx, userID), GetChatID(event.Source))

	if userID == "" || !p.allow(ctx, userID) {
		return nil, nil
	}

	pb, err := ParsePostback(strings.TrimSpace(event.Postback.Data))
	if err != nil {
		p.logger.WithError(err).WithField("data", event.Postback.Data).Debug("Ignoring postback")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctxutil.PreserveTracing(ctx), p.turnTimeout)
	defer cancel()

	switch pb.Action {
	case ActionStart:
		return p.start(ctx, userID)
	case ActionRestart:
		return p.restart(ctx, userID)
	default:
		p.logger.WithField("action", pb.Action).Debug("Ignoring postback")
		return nil, nil
	}
}

// ProcessFollow greets a new follower with a "Get started" button. The
// session is created when the button is tapped.
func (p *Processor) ProcessFollow(_ context.Context, _ webhook.FollowEvent) ([]messaging_api.MessageInterface, error) {
	p.logger.Info("New user followed the bot")
	return []messaging_api.MessageInterface{getStartedMessage(followText)}, nil
}

// start resets (or creates) the session and asks the first question.
func (p *Processor) start(ctx context.Context, userID string) ([]messaging_api.MessageInterface, error) {
	s, err := p.reset(ctx, userID)
	if err != nil {
		return nil, err
	}
	return []messaging_api.MessageInterface{
		lineutil.NewTextMessage(welcomeText),
		promptMessage(s.CurrentContext, ""),
	}, nil
}

// restart clears the slots in place and asks the first question again.
func (p *Processor) restart(ctx context.Context, userID string) ([]messaging_api.MessageInterface, error) {
	s, err := p.reset(ctx, userID)
	if err != nil {
		return nil, err
	}
	return []messaging_api.MessageInterface{promptMessage(s.CurrentContext, "")}, nil
}

func (p *Processor) reset(ctx context.Context, userID string) (*dialogue.Session, error) {
	s, err := p.store.Load(ctx, userID)
	switch {
	case errors.Is(err, domerrors.ErrNotFound):
		s = dialogue.NewSession(userID, p.machine)
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	default:
		p.machine.Start(s)
	}
	if err := p.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return s, nil
}

// handleText runs one dialogue turn for text.
func (p *Processor) handleText(ctx context.Context, userID, text string) ([]messaging_api.MessageInterface, error) {
	s, err := p.store.Load(ctx, userID)
	if errors.Is(err, domerrors.ErrNotFound) {
		return p.start(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.Completed {
		return []messaging_api.MessageInterface{restartMessage(completedHintText)}, nil
	}

	slot := s.CurrentContext
	ctx = ctxutil.WithSlot(ctx, slot.Context())
	log := p.logger.WithField("slot", string(slot))

	var fill dialogue.Fill
	if dialogue.IsSkip(text) {
		fill = dialogue.Fill{Slot: slot, Skipped: true}
	} else {
		res, err := p.parser.Parse(ctx, nlu.Request{Text: text, SessionID: userID, Context: slot.Context()})
		if err != nil {
			return nil, fmt.Errorf("nlu: %w", err)
		}
		if res.UnknownIntent || !res.ActionComplete {
			log.WithField("unknown_intent", res.UnknownIntent).Debug("Re-prompting")
			p.recordTurn(slot, outcomeReprompt)
			return []messaging_api.MessageInterface{promptMessage(slot, res.Fulfillment)}, nil
		}

		var ok bool
		fill, ok = p.mappers.Normalize(slot, res.Parameters, text)
		if !ok {
			log.WithField("params", res.Parameters).Debug("Parameters did not normalize")
			p.recordTurn(slot, outcomeInvalid)
			return []messaging_api.MessageInterface{promptMessage(slot, "")}, nil
		}
		if fill.Unmapped {
			log.WithField("major", fill.Major).Info("Major has no category mapping")
			if p.metrics != nil {
				p.metrics.RecordUnmapped(string(slot))
			}
		}
	}

	s.Apply(fill)
	next := p.machine.Advance(s)
	if err := p.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if fill.Skipped {
		p.recordTurn(slot, outcomeSkipped)
	} else {
		p.recordTurn(slot, outcomeFilled)
	}

	if next != dialogue.Done {
		return []messaging_api.MessageInterface{promptMessage(next, "")}, nil
	}

	if p.metrics != nil {
		p.metrics.RecordCompletion()
	}
	return p.results(ctx, s)
}

// results builds the closing replies: two closing texts, a carousel of the
// schools the user named (when any matched), then the search results.
func (p *Processor) results(ctx context.Context, s *dialogue.Session) ([]messaging_api.MessageInterface, error) {
	var colleges []scorecard.School
	if names := s.Colleges(); len(names) > 0 {
		colleges = p.schools.LookupColleges(ctx, names)
	}

	found, err := p.schools.Search(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("school search: %w", err)
	}

	closing := closingText
	if len(s.Colleges()) > 0 {
		closing = closingWithColleges
	}
	messages := textMessages(closing, closingNoteText)

	collegeCards := scorecard.FormatResults(colleges, p.maxCards)
	resultCards := scorecard.FormatResults(scorecard.Without(found, colleges), p.maxCards)

	if len(collegeCards) > 0 {
		messages = append(messages, cardCarousel(collegesAltText, collegeCards))
	}
	if len(resultCards) > 0 {
		messages = append(messages, cardCarousel(resultsAltText, resultCards))
	}
	if len(collegeCards) == 0 && len(resultCards) == 0 {
		messages = append(messages, restartMessage(noResultsText))
	}

	p.logger.WithField("colleges", len(collegeCards)).
		WithField("results", len(resultCards)).
		Info("Search completed")
	return messages, nil
}

// allow applies the per-user rate limit. Over-limit events get no reply.
func (p *Processor) allow(ctx context.Context, userID string) bool {
	if p.userLimiter == nil || p.userLimiter.Allow(userID) {
		return true
	}
	p.logger.WithField("user_id", ctxutil.GetUserID(ctx)).Warn("User rate limit exceeded")
	return false
}

func (p *Processor) recordTurn(slot dialogue.Slot, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordTurn(string(slot), outcome)
	}
}
