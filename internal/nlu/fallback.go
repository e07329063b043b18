package nlu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"

	domerrors "github.com/allaunyc/college-selection-bot/internal/errors"
	"github.com/allaunyc/college-selection-bot/internal/metrics"
	"github.com/allaunyc/college-selection-bot/internal/timeouts"
)

// FallbackParser tries a chain of parsers in order. Each parser is retried
// with exponential backoff on transient errors before the next one is used.
type FallbackParser struct {
	parsers []Parser
	retry   RetryConfig
	metrics *metrics.Metrics
}

// NewFallbackParser creates a chain. m may be nil.
func NewFallbackParser(cfg RetryConfig, m *metrics.Metrics, parsers ...Parser) *FallbackParser {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &FallbackParser{parsers: parsers, retry: cfg, metrics: m}
}

// Parse returns the first successful result in the chain. When every parser
// fails the error wraps ErrNLUUnavailable.
func (f *FallbackParser) Parse(ctx context.Context, req Request) (*Result, error) {
	if len(f.parsers) == 0 {
		return nil, domerrors.ErrNLUUnavailable
	}

	var lastErr error
	for i, p := range f.parsers {
		if i > 0 {
			from, to := f.parsers[i-1].Provider(), p.Provider()
			slog.InfoContext(ctx, "NLU falling back to next provider", "from", from, "to", to)
			if f.metrics != nil {
				f.metrics.RecordNLUFallback(string(from), string(to))
			}
		}

		start := time.Now()
		result, err := f.parseWithRetry(ctx, p, req)
		if f.metrics != nil {
			f.metrics.RecordNLU(string(p.Provider()), errorLabel(err), time.Since(start).Seconds())
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		action := ClassifyError(err)
		slog.WarnContext(ctx, "NLU provider failed",
			"provider", p.Provider(),
			"action", action,
			"error", err)
		if action == ActionFail || ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", domerrors.ErrNLUUnavailable, lastErr)
}

func (f *FallbackParser) parseWithRetry(ctx context.Context, p Parser, req Request) (*Result, error) {
	var result *Result
	err := retry.New(
		retry.Attempts(uint(f.retry.MaxAttempts)),
		retry.Delay(f.retry.InitialDelay),
		retry.MaxDelay(f.retry.MaxDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ClassifyError(err) == ActionRetry && hasBudget(ctx, f.retry.InitialDelay)
		}),
	).Do(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeouts.NLURequest)
		defer cancel()
		r, err := p.Parse(attemptCtx, req)
		if err != nil {
			return err
		}
		if r == nil {
			return errors.New("parser returned no result")
		}
		result = r
		return nil
	})
	return result, err
}

// hasBudget reports whether ctx leaves at least d before its deadline.
func hasBudget(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	return !ok || time.Until(deadline) >= d
}

// Provider returns the first provider of the chain.
func (f *FallbackParser) Provider() Provider {
	if len(f.parsers) == 0 {
		return ""
	}
	return f.parsers[0].Provider()
}

// Providers lists the chain in order.
func (f *FallbackParser) Providers() []Provider {
	out := make([]Provider, len(f.parsers))
	for i, p := range f.parsers {
		out[i] = p.Provider()
	}
	return out
}

// Close closes every parser in the chain.
func (f *FallbackParser) Close() error {
	var errs []error
	for _, p := range f.parsers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
