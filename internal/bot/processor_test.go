package bot

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
	domerrors "github.com/allaunyc/college-selection-bot/internal/errors"
	"github.com/allaunyc/college-selection-bot/internal/logger"
	"github.com/allaunyc/college-selection-bot/internal/metrics"
	"github.com/allaunyc/college-selection-bot/internal/nlu"
	"github.com/allaunyc/college-selection-bot/internal/ratelimit"
	"github.com/allaunyc/college-selection-bot/internal/scorecard"
	"github.com/allaunyc/college-selection-bot/internal/storage"
)

// fakeParser answers from a per-context table and counts calls.
type fakeParser struct {
	mu      sync.Mutex
	results map[string]*nlu.Result
	err     error
	calls   []nlu.Request
}

func (f *fakeParser) Parse(_ context.Context, req nlu.Request) (*nlu.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.results[req.Context]; ok {
		return r, nil
	}
	return &nlu.Result{UnknownIntent: true, Fulfillment: "Sorry, could you rephrase that?"}, nil
}

func (f *fakeParser) Provider() nlu.Provider { return "fake" }
func (f *fakeParser) Close() error          { return nil }

func (f *fakeParser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeSchools returns canned search and lookup results.
type fakeSchools struct {
	mu       sync.Mutex
	results  []scorecard.School
	colleges []scorecard.School
	err      error
	searched *dialogue.Session
	looked   []string
}

func (f *fakeSchools) Search(_ context.Context, s *dialogue.Session) ([]scorecard.School, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searched = s
	return f.results, f.err
}

func (f *fakeSchools) LookupColleges(_ context.Context, names []string) []scorecard.School {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.looked = names
	return f.colleges
}

// failingStore fails every call with err.
type failingStore struct{ err error }

func (s failingStore) Load(context.Context, string) (*dialogue.Session, error) { return nil, s.err }
func (s failingStore) Save(context.Context, *dialogue.Session) error           { return s.err }
func (s failingStore) Delete(context.Context, string) error                    { return s.err }
func (s failingStore) Ping(context.Context) error                              { return s.err }
func (s failingStore) Close() error                                            { return nil }

func allSlotsParser() *fakeParser {
	return &fakeParser{results: map[string]*nlu.Result{
		"add-major": {
			ActionComplete: true,
			Parameters:     dialogue.Params{"major": "Computer Science"},
		},
		"add-location": {
			ActionComplete: true,
			Parameters:     dialogue.Params{"geo-state-us": "California"},
		},
		"add-price": {
			ActionComplete: true,
			Parameters:     dialogue.Params{"price-min": "15,000", "price-max": "45,000"},
		},
		"add-SAT-or-ACT": {
			ActionComplete: true,
			Parameters:     dialogue.Params{"sat-min": 1200.0, "sat-max": 1400.0},
		},
		"add-college": {
			ActionComplete: true,
			Parameters:     dialogue.Params{"college": []any{"Reed College"}},
		},
		"add-salary": {
			ActionComplete: true,
			Parameters:     dialogue.Params{"salary-min": "50000", "salary-max": "90000"},
		},
	}}
}

type testEnv struct {
	p       *Processor
	store   *storage.DB
	parser  *fakeParser
	schools *fakeSchools
}

func newTestEnv(t *testing.T, parser *fakeParser, schools *fakeSchools, includeCollege bool) *testEnv {
	t.Helper()
	db, err := storage.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p := NewProcessor(ProcessorConfig{
		Store:   db,
		Parser:  parser,
		Schools: schools,
		Machine: dialogue.NewMachine(includeCollege),
		Logger:  logger.NewWithWriter("error", io.Discard),
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	return &testEnv{p: p, store: db, parser: parser, schools: schools}
}

func textEvent(userID, text string) webhook.MessageEvent {
	return webhook.MessageEvent{
		Source:  webhook.UserSource{UserId: userID},
		Message: webhook.TextMessageContent{Text: text},
	}
}

func postbackEvent(userID, data string) webhook.PostbackEvent {
	return webhook.PostbackEvent{
		Source:   webhook.UserSource{UserId: userID},
		Postback: &webhook.PostbackContent{Data: data},
	}
}

func (e *testEnv) send(t *testing.T, userID, text string) []messaging_api.MessageInterface {
	t.Helper()
	msgs, err := e.p.ProcessMessage(context.Background(), textEvent(userID, text))
	require.NoError(t, err)
	return msgs
}

func (e *testEnv) session(t *testing.T, userID string) *dialogue.Session {
	t.Helper()
	s, err := e.store.Load(context.Background(), userID)
	require.NoError(t, err)
	return s
}

func texts(msgs []messaging_api.MessageInterface) []string {
	var out []string
	for _, m := range msgs {
		if tm, ok := m.(*messaging_api.TextMessage); ok {
			out = append(out, tm.Text)
		}
	}
	return out
}

func lastText(t *testing.T, msgs []messaging_api.MessageInterface) string {
	t.Helper()
	require.NotEmpty(t, msgs)
	tm, ok := msgs[len(msgs)-1].(*messaging_api.TextMessage)
	require.True(t, ok, "last message is %T", msgs[len(msgs)-1])
	return tm.Text
}

func carousels(msgs []messaging_api.MessageInterface) []*messaging_api.CarouselTemplate {
	var out []*messaging_api.CarouselTemplate
	for _, m := range msgs {
		if tm, ok := m.(*messaging_api.TemplateMessage); ok {
			if c, ok := tm.Template.(*messaging_api.CarouselTemplate); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

func TestProcessPostback_Start(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allSlotsParser(), &fakeSchools{}, false)

	msgs, err := env.p.ProcessPostback(context.Background(), postbackEvent("U1", EncodePostback(ActionStart)))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{welcomeText, dialogue.PromptFor(dialogue.SlotMajor)}, texts(msgs))

	prompt := msgs[1].(*messaging_api.TextMessage)
	require.NotNil(t, prompt.QuickReply)
	assert.Len(t, prompt.QuickReply.Items, 2)

	s := env.session(t, "U1")
	assert.Equal(t, dialogue.SlotMajor, s.CurrentContext)
	assert.False(t, s.Completed)
	assert.Equal(t, dialogue.Slots{}, s.Slots)
}

func TestProcessFollow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allSlotsParser(), &fakeSchools{}, false)

	msgs, err := env.p.ProcessFollow(context.Background(), webhook.FollowEvent{Source: webhook.UserSource{UserId: "U1"}})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msg := msgs[0].(*messaging_api.TextMessage)
	require.NotNil(t, msg.QuickReply)
	action, ok := msg.QuickReply.Items[0].Action.(*messaging_api.PostbackAction)
	require.True(t, ok)
	assert.Equal(t, EncodePostback(ActionStart), action.Data)

	_, err = env.store.Load(context.Background(), "U1")
	assert.ErrorIs(t, err, domerrors.ErrNotFound)
}

func TestProcessMessage_ImplicitStart(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allSlotsParser(), &fakeSchools{}, false)

	msgs := env.send(t, "U1", "hello")
	assert.Equal(t, []string{welcomeText, dialogue.PromptFor(dialogue.SlotMajor)}, texts(msgs))
	assert.Zero(t, env.parser.callCount())
	assert.Equal(t, dialogue.SlotMajor, env.session(t, "U1").CurrentContext)
}

func TestProcessMessage_SkipBypassesNLU(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allSlotsParser(), &fakeSchools{}, false)
	env.send(t, "U1", "hi")

	msgs := env.send(t, "U1", "n/a")
	assert.Equal(t, dialogue.PromptFor(dialogue.SlotLocation), lastText(t, msgs))
	assert.Zero(t, env.parser.callCount())

	s := env.session(t, "U1")
	require.NotNil(t, s.Slots.Major)
	assert.True(t, s.Slots.Major.Skipped)
	assert.Equal(t, dialogue.SlotLocation, s.CurrentContext)
}

func TestProcessMessage_PriceWithCommas(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allSlotsParser(), &fakeSchools{}, false)
	env.send(t, "U1", "hi")
	env.send(t, "U1", "N/A")
	env.send(t, "U1", "N/A")

	msgs := env.send(t, "U1", "between 15,000 and 45,000")
	assert.Equal(t, dialogue.PromptFor(dialogue.SlotScore), lastText(t, msgs))

	s := env.session(t, "U1")
	require.NotNil(t, s.Slots.Price)
	assert.Equal(t, dialogue.Range{Min: 15000, Max: 45000}, s.Slots.Price.Val)
	assert.Equal(t, dialogue.SlotScore, s.CurrentContext)

	last := env.parser.calls[len(env.parser.calls)-1]
	assert.Equal(t, "add-price", last.Context)
	assert.Equal(t, "U1", last.SessionID)
}

func TestProcessMessage_UnknownIntentReprompts(t *testing.T) {
	t.Parallel()
	parser := &fakeParser{results: map[string]*nlu.Result{
		"add-major": {ActionComplete: false, Fulfillment: "Which field exactly?"},
	}}
	env := newTestEnv(t, parser, &fakeSchools{}, false)
	env.send(t, "U1", "hi")

	msgs := env.send(t, "U1", "something")
	assert.Equal(t, "Which field exactly?", lastText(t, msgs))

	s := env.session(t, "U1")
	assert.Nil(t, s.Slots.Major)
	assert.Equal(t, dialogue.SlotMajor, s.CurrentContext)
}

func TestProcessMessage_UnusableParamsReprompt(t *testing.T) {
	t.Parallel()
	parser := &fakeParser{results: map[string]*nlu.Result{
		"add-major": {ActionComplete: true, Parameters: dialogue.Params{}},
	}}
	env := newTestEnv(t, parser, &fakeSchools{}, false)
	env.send(t, "U1", "hi")

	msgs := env.send(t, "U1", "???")
	assert.Equal(t, dialogue.PromptFor(dialogue.SlotMajor), lastText(t, msgs))
	assert.Nil(t, env.session(t, "U1").Slots.Major)
}

func TestProcessMessage_Restart(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allSlotsParser(), &fakeSchools{}, false)
	env.send(t, "U1", "hi")
	env.send(t, "U1", "computer science")
	env.send(t, "U1", "California")

	msgs := env.send(t, "U1", "restart")
	assert.Equal(t, []string{dialogue.PromptFor(dialogue.SlotMajor)}, texts(msgs))

	s := env.session(t, "U1")
	assert.Equal(t, dialogue.Slots{}, s.Slots)
	assert.False(t, s.Completed)
	assert.Equal(t, dialogue.SlotMajor, s.CurrentContext)
}

func TestProcessMessage_FullConversation(t *testing.T) {
	t.Parallel()
	schools := &fakeSchools{results: []scorecard.School{
		{ID: 1, Name: "Stanford University", City: "Stanford", State: "CA", URL: "www.stanford.edu", PriceCalculatorURL: "npc.stanford.edu"},
		{ID: 2, Name: "No Calculator U", URL: "www.nc.edu"},
	}}
	env := newTestEnv(t, allSlotsParser(), schools, false)

	env.send(t, "U1", "hi")
	env.send(t, "U1", "computer science")
	env.send(t, "U1", "California")
	env.send(t, "U1", "15k to 45k")
	env.send(t, "U1", "1300")
	msgs := env.send(t, "U1", "50k to 90k")

	require.Len(t, msgs, 3)
	assert.Equal(t, []string{closingText, closingNoteText}, texts(msgs)[:2])
	cs := carousels(msgs)
	require.Len(t, cs, 1)
	require.Len(t, cs[0].Columns, 1)
	assert.Equal(t, "Stanford University", cs[0].Columns[0].Title)
	assert.Equal(t, "Stanford, CA", cs[0].Columns[0].Text)
	require.Len(t, cs[0].Columns[0].Actions, 2)

	s := env.session(t, "U1")
	assert.True(t, s.Completed)
	assert.Equal(t, dialogue.Done, s.CurrentContext)
	assert.Equal(t, "computer", s.Slots.Major.Val)
	assert.Equal(t, dialogue.RegionFarWest, s.Slots.Location.Val)
	assert.Equal(t, dialogue.Score{Type: dialogue.ScoreSAT, Min: 1200, Max: 1400}, s.Slots.Score.Val)
	require.NotNil(t, schools.searched)
	assert.Equal(t, "U1", schools.searched.Identity)

	// A completed session only hints at restarting.
	msgs = env.send(t, "U1", "more please")
	assert.Equal(t, completedHintText, lastText(t, msgs))
}

func TestProcessMessage_CollegesPrecedeResults(t *testing.T) {
	t.Parallel()
	reed := scorecard.School{ID: 9, Name: "Reed College", City: "Portland", State: "OR", PriceCalculatorURL: "npc.reed.edu"}
	schools := &fakeSchools{
		colleges: []scorecard.School{reed},
		results: []scorecard.School{
			reed,
			{ID: 1, Name: "Stanford University", PriceCalculatorURL: "npc.stanford.edu"},
		},
	}
	env := newTestEnv(t, allSlotsParser(), schools, true)

	for _, text := range []string{"hi", "computer science", "California", "N/A", "N/A", "Reed College"} {
		env.send(t, "U1", text)
	}
	assert.Equal(t, dialogue.SlotSalary, env.session(t, "U1").CurrentContext)

	msgs := env.send(t, "U1", "N/A")
	require.Len(t, msgs, 4)
	assert.Equal(t, closingWithColleges, texts(msgs)[0])
	assert.Equal(t, []string{"Reed College"}, schools.looked)

	cs := carousels(msgs)
	require.Len(t, cs, 2)
	assert.Equal(t, "Reed College", cs[0].Columns[0].Title)
	require.Len(t, cs[1].Columns, 1, "named schools are not repeated")
	assert.Equal(t, "Stanford University", cs[1].Columns[0].Title)
}

func TestProcessMessage_NoResults(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allSlotsParser(), &fakeSchools{}, false)
	for _, text := range []string{"hi", "N/A", "N/A", "N/A", "N/A"} {
		env.send(t, "U1", text)
	}
	msgs := env.send(t, "U1", "N/A")
	assert.Equal(t, noResultsText, lastText(t, msgs))
	assert.Empty(t, carousels(msgs))
}

func TestProcessMessage_Attachment(t *testing.T) {
	t.Parallel()
	parser := allSlotsParser()
	env := newTestEnv(t, parser, &fakeSchools{}, false)
	env.p.store = failingStore{err: errors.New("must not be called")}

	msgs, err := env.p.ProcessMessage(context.Background(), webhook.MessageEvent{
		Source:  webhook.UserSource{UserId: "U1"},
		Message: webhook.ImageMessageContent{Id: "m1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{attachmentText}, texts(msgs))
	assert.Zero(t, parser.callCount())
}

func TestProcessMessage_TransientFailures(t *testing.T) {
	t.Parallel()

	t.Run("store", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, allSlotsParser(), &fakeSchools{}, false)
		env.p.store = failingStore{err: errors.New("disk on fire")}
		msgs, err := env.p.ProcessMessage(context.Background(), textEvent("U1", "hi"))
		assert.Error(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("nlu", func(t *testing.T) {
		t.Parallel()
		parser := &fakeParser{err: domerrors.ErrNLUUnavailable}
		env := newTestEnv(t, parser, &fakeSchools{}, false)
		env.send(t, "U1", "hi")

		msgs, err := env.p.ProcessMessage(context.Background(), textEvent("U1", "biology"))
		assert.ErrorIs(t, err, domerrors.ErrNLUUnavailable)
		assert.Empty(t, msgs)
		assert.Nil(t, env.session(t, "U1").Slots.Major)
	})

	t.Run("search", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, allSlotsParser(), &fakeSchools{err: domerrors.ErrTimeout}, false)
		for _, text := range []string{"hi", "N/A", "N/A", "N/A", "N/A"} {
			env.send(t, "U1", text)
		}
		msgs, err := env.p.ProcessMessage(context.Background(), textEvent("U1", "N/A"))
		assert.ErrorIs(t, err, domerrors.ErrTimeout)
		assert.Empty(t, msgs)
		assert.True(t, env.session(t, "U1").Completed)
	})
}

func TestProcessMessage_RateLimited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allSlotsParser(), &fakeSchools{}, false)
	env.p.userLimiter = ratelimit.NewKeyedLimiter(ratelimit.KeyedConfig{Name: "user", Burst: 1, RefillRate: 0.001})
	defer env.p.userLimiter.Stop()

	assert.NotEmpty(t, env.send(t, "U1", "hi"))
	assert.Empty(t, env.send(t, "U1", "computer science"))
	assert.Zero(t, env.parser.callCount())
}

func TestProcessPostback_Ignored(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allSlotsParser(), &fakeSchools{}, false)

	for _, data := range []string{"", "garbage", "action=unknown"} {
		msgs, err := env.p.ProcessPostback(context.Background(), postbackEvent("U1", data))
		require.NoError(t, err)
		assert.Empty(t, msgs, data)
	}
	_, err := env.store.Load(context.Background(), "U1")
	assert.ErrorIs(t, err, domerrors.ErrNotFound)
}

func TestProcessor_ScorecardEndToEnd(t *testing.T) {
	t.Parallel()

	queries := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case queries <- r.URL.RawQuery:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"results": [
			{"id": 110635, "school.name": "University of California-Berkeley", "school.city": "Berkeley",
			 "school.state": "CA", "school.zip": "94720", "school.school_url": "www.berkeley.edu",
			 "school.price_calculator_url": "calculator.berkeley.edu"}
		]}`)
	}))
	t.Cleanup(srv.Close)

	client := scorecard.NewClient(scorecard.ClientConfig{
		BaseURL: srv.URL + "/v1/schools",
		APIKey:  "KEY",
		Timeout: 2 * time.Second,
	})
	env := newTestEnv(t, allSlotsParser(), nil, false)
	env.p.schools = client

	for _, text := range []string{"hi", "computer science", "California", "15k to 45k", "1300"} {
		env.send(t, "U1", text)
	}
	msgs := env.send(t, "U1", "50k to 90k")

	cs := carousels(msgs)
	require.Len(t, cs, 1)
	col := cs[0].Columns[0]
	assert.Equal(t, "University of California-Berkeley", col.Title)
	uri := col.Actions[1].(*messaging_api.UriAction)
	assert.Equal(t, "https://calculator.berkeley.edu", uri.Uri)

	q := <-queries
	assert.True(t, strings.HasPrefix(q, "2014.academics.program_percentage.computer__range=0..1&"), q)
	assert.Contains(t, q, "school.region_id=8")
	assert.Contains(t, q, "2014.cost.attendance.academic_year__range=15000..45000")
	assert.Contains(t, q, "2014.admissions.sat_scores.average.overall__range=1200..1400")
	assert.Contains(t, q, "api_key=KEY")
}
