package nlu

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domerrors "github.com/allaunyc/college-selection-bot/internal/errors"
	"github.com/allaunyc/college-selection-bot/internal/metrics"
)

type stubParser struct {
	provider Provider
	errs     []error // returned in order, then success
	calls    atomic.Int32
	closed   atomic.Bool
}

func (s *stubParser) Parse(_ context.Context, req Request) (*Result, error) {
	n := int(s.calls.Add(1))
	if n <= len(s.errs) {
		return nil, s.errs[n-1]
	}
	return &Result{ActionComplete: true, FunctionName: string(s.provider) + ":" + req.Context}, nil
}

func (s *stubParser) Provider() Provider { return s.provider }

func (s *stubParser) Close() error {
	s.closed.Store(true)
	return nil
}

var fastRetry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestFallbackParserRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	primary := &stubParser{provider: ProviderGemini, errs: []error{
		WrapError(errors.New("busy"), ProviderGemini, 503),
		WrapError(errors.New("slow down"), ProviderGemini, 429),
	}}
	f := NewFallbackParser(fastRetry, metrics.New(prometheus.NewRegistry()), primary, NewPatternParser())

	r, err := f.Parse(context.Background(), Request{Text: "x", Context: "add-major"})
	require.NoError(t, err)
	assert.Equal(t, "gemini:add-major", r.FunctionName)
	assert.Equal(t, int32(3), primary.calls.Load())
}

func TestFallbackParserFallsBack(t *testing.T) {
	t.Parallel()
	primary := &stubParser{provider: ProviderGemini, errs: []error{
		WrapError(errors.New("bad key"), ProviderGemini, 401),
	}}
	secondary := &stubParser{provider: ProviderGroq}
	f := NewFallbackParser(fastRetry, nil, primary, secondary)

	r, err := f.Parse(context.Background(), Request{Text: "x", Context: "add-price"})
	require.NoError(t, err)
	assert.Equal(t, "groq:add-price", r.FunctionName)
	assert.Equal(t, int32(1), primary.calls.Load())
}

func TestFallbackParserExhausted(t *testing.T) {
	t.Parallel()
	boom := errors.New("quota exceeded")
	f := NewFallbackParser(fastRetry, nil,
		&stubParser{provider: ProviderGroq, errs: []error{boom}},
		&stubParser{provider: ProviderCerebras, errs: []error{boom}},
	)

	_, err := f.Parse(context.Background(), Request{Text: "x", Context: "add-price"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domerrors.ErrNLUUnavailable)
	assert.ErrorIs(t, err, boom)
}

func TestFallbackParserStopsOnCancel(t *testing.T) {
	t.Parallel()
	second := &stubParser{provider: ProviderGroq}
	f := NewFallbackParser(fastRetry, nil,
		&stubParser{provider: ProviderGemini, errs: []error{context.Canceled}},
		second,
	)

	_, err := f.Parse(context.Background(), Request{Context: "add-major"})
	assert.Error(t, err)
	assert.Zero(t, second.calls.Load())
}

func TestFallbackParserEmptyAndClose(t *testing.T) {
	t.Parallel()
	_, err := NewFallbackParser(fastRetry, nil).Parse(context.Background(), Request{})
	assert.ErrorIs(t, err, domerrors.ErrNLUUnavailable)

	a, b := &stubParser{provider: ProviderGemini}, &stubParser{provider: ProviderGroq}
	f := NewFallbackParser(fastRetry, nil, a, b)
	assert.Equal(t, ProviderGemini, f.Provider())
	assert.Equal(t, []Provider{ProviderGemini, ProviderGroq}, f.Providers())
	require.NoError(t, f.Close())
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
}

func TestClassifyError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want ErrorAction
	}{
		{nil, ActionFail},
		{context.Canceled, ActionFail},
		{context.DeadlineExceeded, ActionRetry},
		{WrapError(errors.New("x"), ProviderGroq, 429), ActionRetry},
		{WrapError(errors.New("x"), ProviderGroq, 500), ActionRetry},
		{WrapError(errors.New("x"), ProviderGroq, 400), ActionFallback},
		{errors.New("daily quota reached"), ActionFallback},
		{errors.New("503 Service Unavailable"), ActionRetry},
		{errors.New("no tool call in response"), ActionFallback},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.err), "%v", tt.err)
	}
}

func TestNewParserWithoutKeysUsesPattern(t *testing.T) {
	t.Parallel()
	p := NewParser(context.Background(), DefaultConfig(), nil)
	assert.Equal(t, []Provider{ProviderPattern}, p.Providers())

	r, err := p.Parse(context.Background(), Request{Text: "nursing", Context: "add-major"})
	require.NoError(t, err)
	assert.True(t, r.ActionComplete)
}
