package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"
)

// openaiParser resolves utterances through an OpenAI-compatible chat API
// (Groq, Cerebras, OpenAI or a self-hosted endpoint).
type openaiParser struct {
	client   openai.Client
	model    string
	tools    map[string]openai.ChatCompletionToolUnionParam
	provider Provider
}

// newOpenAIParser creates an OpenAI-compatible parser. endpoint overrides the
// provider's base URL.
func newOpenAIParser(provider Provider, apiKey, model, endpoint string) (*openaiParser, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s api key is empty", provider)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	baseURL := endpoint
	if baseURL == "" {
		baseURL = ProviderEndpoint[provider]
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	} else if provider != ProviderOpenAI {
		return nil, fmt.Errorf("unsupported OpenAI-compatible provider: %s", provider)
	}

	if model == "" {
		switch provider {
		case ProviderGroq:
			model = DefaultGroqModels[0]
		case ProviderCerebras:
			model = DefaultCerebrasModels[0]
		default:
			return nil, fmt.Errorf("model is required for provider %s", provider)
		}
	}

	return &openaiParser{
		client:   openai.NewClient(opts...),
		model:    model,
		tools:    buildOpenAITools(BuildFunctions()),
		provider: provider,
	}, nil
}

// buildOpenAITools converts the function declarations to tool definitions.
func buildOpenAITools(decls map[string]*genai.FunctionDeclaration) map[string]openai.ChatCompletionToolUnionParam {
	tools := make(map[string]openai.ChatCompletionToolUnionParam, len(decls))
	for name, fd := range decls {
		params := jsonSchema(fd.Parameters)
		if _, ok := params["required"]; !ok {
			params["required"] = []string{}
		}
		tools[name] = openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        fd.Name,
			Description: openai.String(fd.Description),
			Parameters:  openai.FunctionParameters(params),
		})
	}
	return tools
}

// jsonSchema renders a genai schema as JSON Schema. genai type names are
// upper case ("STRING"); JSON Schema wants lower case.
func jsonSchema(s *genai.Schema) map[string]any {
	out := map[string]any{"type": strings.ToLower(string(s.Type))}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Items != nil {
		out["items"] = jsonSchema(s.Items)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = jsonSchema(p)
		}
		out["properties"] = props
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// Parse asks the model to call the context's tool or clarify. Required tool
// choice forces a tool call.
func (p *openaiParser) Parse(ctx context.Context, req Request) (*Result, error) {
	name, ok := contextFunctions[req.Context]
	if !ok {
		return nil, fmt.Errorf("no function for context %q", req.Context)
	}

	params := openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(req.Context)),
			openai.UserMessage(req.Text),
		},
		Tools: []openai.ChatCompletionToolUnionParam{p.tools[name], p.tools[clarifyFunction]},
		ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String(string(openai.ChatCompletionToolChoiceOptionAutoRequired)),
		},
		Temperature: openai.Float(0),
		MaxTokens:   openai.Int(256),
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	duration := time.Since(start)
	if err != nil {
		slog.WarnContext(ctx, "NLU API call failed",
			"provider", p.provider,
			"model", p.model,
			"context", req.Context,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			err = WrapError(err, p.provider, apiErr.StatusCode)
		}
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}

	result, err := p.parseResponse(req.Context, resp)
	if err == nil {
		slog.DebugContext(ctx, "NLU parse completed",
			"provider", p.provider,
			"model", p.model,
			"total_tokens", resp.Usage.TotalTokens,
			"duration_ms", duration.Milliseconds(),
			"function_name", result.FunctionName)
	}
	return result, err
}

func (p *openaiParser) parseResponse(context string, resp *openai.ChatCompletion) (*Result, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("empty response from model")
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) == 0 {
		return nil, errors.New("no tool call in response")
	}
	tc := calls[0]
	if tc.Type != "function" {
		return nil, fmt.Errorf("unexpected tool type: %s", tc.Type)
	}

	var args map[string]any
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("failed to parse function arguments: %w", err)
		}
	}
	return resultFromCall(context, tc.Function.Name, args)
}

func (p *openaiParser) Provider() Provider {
	return p.provider
}

// Close is a no-op; the openai-go client holds no resources.
func (p *openaiParser) Close() error {
	return nil
}
