package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/allaunyc/college-selection-bot/internal/lineutil"
	"github.com/allaunyc/college-selection-bot/internal/logger"
	"github.com/allaunyc/college-selection-bot/internal/metrics"
)

const testSecret = "test_channel_secret"

type fakeProcessor struct {
	mu     sync.Mutex
	events []string
	reply  []messaging_api.MessageInterface
	err    error
}

func (f *fakeProcessor) record(kind string) ([]messaging_api.MessageInterface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, kind)
	return f.reply, f.err
}

func (f *fakeProcessor) ProcessMessage(_ context.Context, e webhook.MessageEvent) ([]messaging_api.MessageInterface, error) {
	if text, ok := e.Message.(webhook.TextMessageContent); ok {
		return f.record("message:" + text.Text)
	}
	return f.record("message")
}

func (f *fakeProcessor) ProcessPostback(_ context.Context, e webhook.PostbackEvent) ([]messaging_api.MessageInterface, error) {
	return f.record("postback:" + e.Postback.Data)
}

func (f *fakeProcessor) ProcessFollow(context.Context, webhook.FollowEvent) ([]messaging_api.MessageInterface, error) {
	return f.record("follow")
}

func (f *fakeProcessor) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// lineAPI records Messaging API calls.
type lineAPI struct {
	mu    sync.Mutex
	calls map[string][][]byte
}

func newLineAPI(t *testing.T) (*lineAPI, *httptest.Server) {
	t.Helper()
	api := &lineAPI{calls: make(map[string][][]byte)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		api.mu.Lock()
		api.calls[r.URL.Path] = append(api.calls[r.URL.Path], body)
		api.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "loading") {
			w.WriteHeader(http.StatusAccepted)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *lineAPI) bodies(path string) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[path]
}

const (
	replyPath   = "/v2/bot/message/reply"
	loadingPath = "/v2/bot/chat/loading/start"
)

func setupTestHandler(t *testing.T, proc *fakeProcessor) (*Handler, *lineAPI, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	api, srv := newLineAPI(t)
	h, err := NewHandler(HandlerConfig{
		ChannelSecret:       testSecret,
		ChannelToken:        "test_channel_token",
		APIEndpoint:         srv.URL,
		Processor:           proc,
		Logger:              logger.NewWithWriter("error", io.Discard),
		Metrics:             metrics.New(prometheus.NewRegistry()),
		ReplyRate:           100,
		MaxEventsPerWebhook: 3,
	})
	require.NoError(t, err)

	r := gin.New()
	r.POST("/webhook", h.Handle)
	return h, api, r
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func post(t *testing.T, r *gin.Engine, body []byte, signature string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Line-Signature", signature)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func callback(events ...string) []byte {
	return []byte(`{"destination":"Ubot","events":[` + strings.Join(events, ",") + `]}`)
}

func textEvent(source, text string) string {
	return fmt.Sprintf(`{"type":"message","mode":"active","timestamp":1700000000000,
		"source":%s,"webhookEventId":"01HEVENT","deliveryContext":{"isRedelivery":false},
		"replyToken":"reply-token-0123456789",
		"message":{"type":"text","id":"1","quoteToken":"q","text":%q}}`, source, text)
}

const (
	userSource  = `{"type":"user","userId":"U1"}`
	groupSource = `{"type":"group","groupId":"G1","userId":"U1"}`
)

func drain(t *testing.T, h *Handler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
}

func TestNewHandler_RequiresProcessor(t *testing.T) {
	t.Parallel()
	_, err := NewHandler(HandlerConfig{ChannelToken: "x", Logger: logger.New("error")})
	assert.Error(t, err)
}

func TestHandleInvalidSignature(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{}
	h, _, r := setupTestHandler(t, proc)

	body := callback(textEvent(userSource, "hi"))
	assert.Equal(t, http.StatusBadRequest, post(t, r, body, "invalid"))

	drain(t, h)
	assert.Empty(t, proc.seen())
}

func TestHandleRequestTooLarge(t *testing.T) {
	t.Parallel()
	h, _, r := setupTestHandler(t, &fakeProcessor{})

	body := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(t, r, body, sign(body)))
	drain(t, h)
}

func TestHandleTextMessage(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{reply: []messaging_api.MessageInterface{lineutil.NewTextMessage("pong")}}
	h, api, r := setupTestHandler(t, proc)

	body := callback(textEvent(userSource, "ping"))
	assert.Equal(t, http.StatusOK, post(t, r, body, sign(body)))
	drain(t, h)

	assert.Equal(t, []string{"message:ping"}, proc.seen())

	replies := api.bodies(replyPath)
	require.Len(t, replies, 1)
	assert.Equal(t, "reply-token-0123456789", gjson.GetBytes(replies[0], "replyToken").String())
	assert.Equal(t, "pong", gjson.GetBytes(replies[0], "messages.0.text").String())

	loading := api.bodies(loadingPath)
	require.Len(t, loading, 1)
	assert.Equal(t, "U1", gjson.GetBytes(loading[0], "chatId").String())
	assert.Equal(t, int64(60), gjson.GetBytes(loading[0], "loadingSeconds").Int())
}

func TestHandleGroupMessageSkipsLoading(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{reply: []messaging_api.MessageInterface{lineutil.NewTextMessage("pong")}}
	h, api, r := setupTestHandler(t, proc)

	body := callback(textEvent(groupSource, "ping"))
	require.Equal(t, http.StatusOK, post(t, r, body, sign(body)))
	drain(t, h)

	assert.Empty(t, api.bodies(loadingPath))
	assert.Len(t, api.bodies(replyPath), 1)
}

func TestHandleProcessorError(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{
		reply: []messaging_api.MessageInterface{lineutil.NewTextMessage("unused")},
		err:   errors.New("store down"),
	}
	h, api, r := setupTestHandler(t, proc)

	body := callback(textEvent(userSource, "ping"))
	require.Equal(t, http.StatusOK, post(t, r, body, sign(body)))
	drain(t, h)

	assert.Len(t, proc.seen(), 1)
	assert.Empty(t, api.bodies(replyPath))
}

func TestHandleTruncatesReplies(t *testing.T) {
	t.Parallel()
	var msgs []messaging_api.MessageInterface
	for i := range 7 {
		msgs = append(msgs, lineutil.NewTextMessage(fmt.Sprintf("m%d", i)))
	}
	h, api, r := setupTestHandler(t, &fakeProcessor{reply: msgs})

	body := callback(textEvent(userSource, "ping"))
	require.Equal(t, http.StatusOK, post(t, r, body, sign(body)))
	drain(t, h)

	replies := api.bodies(replyPath)
	require.Len(t, replies, 1)
	assert.Equal(t, int64(lineutil.MaxReplyMessages), gjson.GetBytes(replies[0], "messages.#").Int())
	assert.Equal(t, "m0", gjson.GetBytes(replies[0], "messages.0.text").String())
}

func TestHandleEventTypes(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{}
	h, _, r := setupTestHandler(t, proc)

	follow := `{"type":"follow","mode":"active","timestamp":1,"source":` + userSource + `,
		"webhookEventId":"01HF","deliveryContext":{"isRedelivery":false},"replyToken":"reply-token-follow",
		"follow":{"isUnblocked":false}}`
	postback := `{"type":"postback","mode":"active","timestamp":2,"source":` + userSource + `,
		"webhookEventId":"01HP","deliveryContext":{"isRedelivery":true},"replyToken":"reply-token-postback",
		"postback":{"data":"action=start"}}`
	unfollow := `{"type":"unfollow","mode":"active","timestamp":3,"source":` + userSource + `,
		"webhookEventId":"01HU","deliveryContext":{"isRedelivery":false}}`

	body := callback(follow, postback, unfollow)
	require.Equal(t, http.StatusOK, post(t, r, body, sign(body)))
	drain(t, h)

	assert.Equal(t, []string{"follow", "postback:action=start"}, proc.seen())
}

func TestHandleTruncatesBatch(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{}
	h, _, r := setupTestHandler(t, proc)

	var events []string
	for i := range 5 {
		events = append(events, textEvent(userSource, fmt.Sprintf("t%d", i)))
	}
	body := callback(events...)
	require.Equal(t, http.StatusOK, post(t, r, body, sign(body)))
	drain(t, h)

	assert.Equal(t, []string{"message:t0", "message:t1", "message:t2"}, proc.seen())
}

func TestHandlerShutdown(t *testing.T) {
	t.Parallel()
	h, _, _ := setupTestHandler(t, &fakeProcessor{})

	release := make(chan struct{})
	h.wg.Go(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	drain(t, h)
}

func TestReplyToken(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "tok", replyToken(webhook.MessageEvent{ReplyToken: "tok"}))
	assert.Equal(t, "tok", replyToken(webhook.PostbackEvent{ReplyToken: "tok"}))
	assert.Equal(t, "tok", replyToken(webhook.FollowEvent{ReplyToken: "tok"}))
	assert.Empty(t, replyToken(webhook.UnfollowEvent{}))
}
