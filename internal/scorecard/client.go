package scorecard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
	domerrors "github.com/allaunyc/college-selection-bot/internal/errors"
	"github.com/allaunyc/college-selection-bot/internal/logger"
	"github.com/allaunyc/college-selection-bot/internal/metrics"
	"github.com/allaunyc/college-selection-bot/internal/timeouts"
)

// Request kinds, used as metric labels.
const (
	kindSearch  = "search"
	kindCollege = "college"
)

// maxBodyBytes bounds a response body; a full result page is well under this.
const maxBodyBytes = 4 << 20

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // per HTTP attempt
	MaxRetries int           // extra attempts after the first
	RetryDelay time.Duration
	// RequestsPerSecond throttles outgoing requests; zero disables throttling.
	RequestsPerSecond float64
	UserAgent         string
	Metrics           *metrics.Metrics // optional
	Logger            *logger.Logger   // optional
}

// Client queries the College Scorecard API.
type Client struct {
	httpClient *http.Client
	builder    *QueryBuilder
	limiter    *rate.Limiter
	group      singleflight.Group
	maxRetries int
	retryDelay time.Duration
	userAgent  string
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

// NewClient creates a Scorecard client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.ScorecardRequest
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "strive-bot/1.0"
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		builder:    NewQueryBuilder(cfg.BaseURL, cfg.APIKey),
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		userAgent:  cfg.UserAgent,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// Builder returns the query builder bound to this client's endpoint and key.
func (c *Client) Builder() *QueryBuilder {
	return c.builder
}

// Search runs the filtered search for a completed session.
func (c *Client) Search(ctx context.Context, s *dialogue.Session) ([]School, error) {
	return c.fetch(ctx, kindSearch, c.builder.Build(s))
}

// Fetch runs an already built query URL.
func (c *Client) Fetch(ctx context.Context, queryURL string) ([]School, error) {
	return c.fetch(ctx, kindSearch, queryURL)
}

// LookupColleges looks up each name and keeps only schools whose name matches
// exactly, ignoring case. Results follow the order of names. A failed lookup
// is logged and skipped so one bad name does not cost the whole answer.
func (c *Client) LookupColleges(ctx context.Context, names []string) []School {
	found := make([][]School, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dialogue.MaxColleges)
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		g.Go(func() error {
			schools, err := c.fetch(gctx, kindCollege, c.builder.College(name))
			if err != nil {
				if c.logger != nil {
					c.logger.WithError(err).WithField("college", name).Warn("College lookup failed")
				}
				return nil
			}
			for _, s := range schools {
				if strings.EqualFold(strings.TrimSpace(s.Name), name) {
					found[i] = append(found[i], s)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []School
	for _, schools := range found {
		out = append(out, schools...)
	}
	return out
}

// fetch deduplicates concurrent identical queries and retries transient
// failures.
func (c *Client) fetch(ctx context.Context, kind, queryURL string) ([]School, error) {
	start := time.Now()

	v, err, shared := c.group.Do(queryURL, func() (any, error) {
		var schools []School
		err := retry.New(
			retry.Attempts(uint(c.maxRetries+1)),
			retry.Delay(c.retryDelay),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return ctx.Err() == nil && isRetryable(err)
			}),
		).Do(func() error {
			var err error
			schools, err = c.get(ctx, queryURL)
			return err
		})
		return schools, err
	})
	if shared && c.metrics != nil {
		c.metrics.RecordSingleflightDedup("scorecard")
	}

	status := "success"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordScorecardRequest(kind, status, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, domerrors.NewWrapper("scorecard", kind).Wrapf(err, "school %s request failed", kind)
	}

	schools, _ := v.([]School)
	if kind == kindSearch && c.metrics != nil {
		c.metrics.RecordScorecardResults(len(schools))
	}
	return schools, nil
}

func (c *Client) get(ctx context.Context, queryURL string) ([]School, error) {
	safeURL := redactKey(queryURL)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domerrors.NewAPIError(safeURL, 0, fmt.Errorf("request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, domerrors.NewAPIError(safeURL, resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, domerrors.NewAPIError(safeURL, resp.StatusCode, fmt.Errorf("decompress gzip: %w", err))
		}
		defer func() { _ = zr.Close() }()
		reader = zr
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes))
	if err != nil {
		return nil, domerrors.NewAPIError(safeURL, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	schools, err := ParseResults(body)
	if err != nil {
		return nil, domerrors.NewAPIError(safeURL, resp.StatusCode, err)
	}
	return schools, nil
}

// ParseResults decodes the results array of a schools response. Field names
// in the response are dotted paths, so they are escaped for gjson.
func ParseResults(body []byte) ([]School, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON response")
	}
	results := gjson.GetBytes(body, "results")
	if !results.IsArray() {
		return nil, errors.New("response has no results array")
	}

	schools := make([]School, 0, len(results.Array()))
	results.ForEach(func(_, r gjson.Result) bool {
		schools = append(schools, School{
			ID:                 int(r.Get("id").Int()),
			Name:               r.Get(`school\.name`).String(),
			City:               r.Get(`school\.city`).String(),
			State:              r.Get(`school\.state`).String(),
			Zip:                r.Get(`school\.zip`).String(),
			URL:                r.Get(`school\.school_url`).String(),
			PriceCalculatorURL: r.Get(`school\.price_calculator_url`).String(),
		})
		return true
	})
	return schools, nil
}

func isRetryable(err error) bool {
	var apiErr *domerrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

// redactKey hides the api_key value so URLs can be logged.
func redactKey(u string) string {
	i := strings.Index(u, "api_key=")
	if i < 0 {
		return u
	}
	start := i + len("api_key=")
	end := strings.IndexByte(u[start:], '&')
	if end < 0 {
		return u[:start] + "REDACTED"
	}
	return u[:start] + "REDACTED" + u[start+end:]
}
