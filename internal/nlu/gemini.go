package nlu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

// geminiParser resolves utterances with Gemini function calling.
type geminiParser struct {
	client *genai.Client
	model  string
	funcs  map[string]*genai.FunctionDeclaration
}

// newGeminiParser creates a Gemini-backed parser.
func newGeminiParser(ctx context.Context, apiKey, model string) (*geminiParser, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is empty")
	}
	if model == "" {
		model = DefaultGeminiModels[0]
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &geminiParser{
		client: client,
		model:  model,
		funcs:  BuildFunctions(),
	}, nil
}

// Parse asks the model to call the context's function or clarify. ANY mode
// forces a function call.
func (p *geminiParser) Parse(ctx context.Context, req Request) (*Result, error) {
	decls, err := functionsFor(p.funcs, req.Context)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{
		Tools:             []*genai.Tool{{FunctionDeclarations: decls}},
		SystemInstruction: genai.NewContentFromText(systemPrompt(req.Context), genai.RoleUser),
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		},
		Temperature:     genai.Ptr[float32](0),
		MaxOutputTokens: 256,
	}

	start := time.Now()
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Text), config)
	duration := time.Since(start)
	if err != nil {
		slog.WarnContext(ctx, "NLU API call failed",
			"provider", ProviderGemini,
			"model", p.model,
			"context", req.Context,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, fmt.Errorf("generate content failed: %w", err)
	}

	result, err := p.parseResponse(req.Context, resp)
	if err == nil && resp.UsageMetadata != nil {
		slog.DebugContext(ctx, "NLU parse completed",
			"provider", ProviderGemini,
			"model", p.model,
			"total_tokens", resp.UsageMetadata.TotalTokenCount,
			"duration_ms", duration.Milliseconds(),
			"function_name", result.FunctionName)
	}
	return result, err
}

func (p *geminiParser) parseResponse(context string, resp *genai.GenerateContentResponse) (*Result, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("empty response from model")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return nil, errors.New("no content in response")
	}
	for _, part := range candidate.Content.Parts {
		if part.FunctionCall != nil {
			return resultFromCall(context, part.FunctionCall.Name, part.FunctionCall.Args)
		}
	}
	return nil, errors.New("no function call in response")
}

func (p *geminiParser) Provider() Provider {
	return ProviderGemini
}

// Close is a no-op; genai.Client holds no resources that need releasing.
func (p *geminiParser) Close() error {
	return nil
}
