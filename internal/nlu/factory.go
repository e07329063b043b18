package nlu

import (
	"context"
	"log/slog"

	"github.com/allaunyc/college-selection-bot/internal/metrics"
)

// NewParser builds the provider chain from cfg: every model of every
// configured provider in cfg.Providers order, then the pattern parser.
// Providers that fail to initialize are logged and left out.
func NewParser(ctx context.Context, cfg Config, m *metrics.Metrics) *FallbackParser {
	var parsers []Parser

	for _, provider := range cfg.ConfiguredProviders() {
		pc := cfg.ProviderConfig(provider)
		models := pc.Models
		if len(models) == 0 {
			models = []string{""}
		}
		for _, model := range models {
			var (
				p   Parser
				err error
			)
			if provider == ProviderGemini {
				p, err = newGeminiParser(ctx, pc.APIKey, model)
			} else {
				p, err = newOpenAIParser(provider, pc.APIKey, model, pc.Endpoint)
			}
			if err != nil {
				slog.WarnContext(ctx, "failed to create NLU parser",
					"provider", provider,
					"model", model,
					"error", err)
				continue
			}
			parsers = append(parsers, p)
		}
	}

	parsers = append(parsers, NewPatternParser())

	chain := NewFallbackParser(cfg.Retry, m, parsers...)
	slog.InfoContext(ctx, "NLU parser configured",
		"primary", chain.Provider(),
		"chain_size", len(parsers))
	return chain
}
