// Package nlu turns free-text replies into slot parameters.
//
// Providers:
//   - Gemini: google.golang.org/genai function calling
//   - Groq, Cerebras, OpenAI: github.com/openai/openai-go/v3 tool calling
//   - Pattern: local rules, always available
//
// Every provider answers for one dialogue context at a time. The model is
// offered the function for that context plus clarify, so a reply either
// carries parameters for the current question or a clarifying message.
// Providers are chained: each is retried with backoff, then the next one in
// the chain is tried, ending with the pattern parser.
package nlu

import (
	"context"
	"time"

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
)

// Provider identifies an NLU backend.
type Provider string

const (
	ProviderGemini   Provider = "gemini"
	ProviderGroq     Provider = "groq"
	ProviderCerebras Provider = "cerebras"
	ProviderOpenAI   Provider = "openai"
	ProviderPattern  Provider = "pattern"
)

// ProviderEndpoint holds the base URL of each OpenAI-compatible provider.
// ProviderOpenAI uses the endpoint from its ProviderConfig, or the SDK
// default when that is empty.
var ProviderEndpoint = map[Provider]string{
	ProviderGroq:     "https://api.groq.com/openai/v1/",
	ProviderCerebras: "https://api.cerebras.ai/v1/",
}

// IsOpenAICompatible reports whether the provider speaks the OpenAI chat API.
func (p Provider) IsOpenAICompatible() bool {
	_, ok := ProviderEndpoint[p]
	return ok || p == ProviderOpenAI
}

func (p Provider) String() string {
	return string(p)
}

// Request is one user utterance in a dialogue context.
type Request struct {
	Text      string
	SessionID string
	// Context is the dialogue context name, e.g. "add-price".
	Context string
}

// Result is what the NLU service made of a Request.
type Result struct {
	// Parameters are keyed by the names the normalizer reads
	// (major, location, price-min, sat-max, college, ...).
	Parameters dialogue.Params

	// Fulfillment is text to show the user when the action is not complete.
	Fulfillment string

	// ActionComplete is true when every required parameter was resolved.
	ActionComplete bool

	// UnknownIntent is true when the utterance does not answer the question.
	UnknownIntent bool

	// FunctionName is the raw function the model called (for logging).
	FunctionName string
}

// Parser resolves utterances for a dialogue context.
type Parser interface {
	Parse(ctx context.Context, req Request) (*Result, error)
	// Provider returns the provider type for metrics.
	Provider() Provider
	// Close releases any resources held by the parser.
	Close() error
}

// RetryConfig defines retry behavior for one provider in the chain.
type RetryConfig struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// ProviderConfig holds the settings of one LLM provider.
type ProviderConfig struct {
	APIKey string
	// Models is tried in order; the first is primary.
	Models []string
	// Endpoint overrides the base URL (OpenAI-compatible providers only).
	Endpoint string
}

// Config holds configuration for all providers.
type Config struct {
	// Providers is the order in which configured providers are tried.
	// The pattern parser is always appended last.
	Providers []Provider

	Gemini   ProviderConfig
	Groq     ProviderConfig
	Cerebras ProviderConfig
	OpenAI   ProviderConfig

	Retry RetryConfig
}

// Default model chains. The first element is primary.
var (
	DefaultGeminiModels   = []string{"gemini-2.5-flash-lite", "gemini-2.5-flash"}
	DefaultGroqModels     = []string{"llama-3.3-70b-versatile", "llama-3.1-8b-instant"}
	DefaultCerebrasModels = []string{"llama-3.3-70b", "llama-3.1-8b"}

	DefaultProviders = []Provider{ProviderGemini, ProviderGroq, ProviderCerebras, ProviderOpenAI}
)

const (
	DefaultMaxRetryAttempts  = 2
	DefaultInitialRetryDelay = 300 * time.Millisecond
	DefaultMaxRetryDelay     = 2 * time.Second
)

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  DefaultMaxRetryAttempts,
		InitialDelay: DefaultInitialRetryDelay,
		MaxDelay:     DefaultMaxRetryDelay,
	}
}

// DefaultConfig returns a configuration with default model chains. API keys
// must be filled in separately.
func DefaultConfig() Config {
	return Config{
		Providers: DefaultProviders,
		Gemini:    ProviderConfig{Models: DefaultGeminiModels},
		Groq:      ProviderConfig{Models: DefaultGroqModels},
		Cerebras:  ProviderConfig{Models: DefaultCerebrasModels},
		Retry:     DefaultRetryConfig(),
	}
}

// ProviderConfig returns the settings of p, or nil for providers that take
// none.
func (c *Config) ProviderConfig(p Provider) *ProviderConfig {
	switch p {
	case ProviderGemini:
		return &c.Gemini
	case ProviderGroq:
		return &c.Groq
	case ProviderCerebras:
		return &c.Cerebras
	case ProviderOpenAI:
		return &c.OpenAI
	default:
		return nil
	}
}

// HasProvider reports whether p has an API key.
func (c *Config) HasProvider(p Provider) bool {
	pc := c.ProviderConfig(p)
	return pc != nil && pc.APIKey != ""
}

// ConfiguredProviders returns the providers with API keys, in c.Providers
// order.
func (c *Config) ConfiguredProviders() []Provider {
	result := make([]Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		if c.HasProvider(p) {
			result = append(result, p)
		}
	}
	return result
}
