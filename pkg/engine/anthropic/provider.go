package anthropicengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
)

// Provider answers chat messages with the Anthropic Messages API. Each
// message is a single-turn request.
type Provider struct {
	client    *anthropic.Client
	baseURL   string
	model     string
	system    string
	maxTokens int64
}

type Option func(*Provider)

func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(p *Provider) { p.system = prompt }
}

func WithMaxTokens(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxTokens = int64(n)
		}
	}
}

func NewProvider(apiKey string, opts ...Option) *Provider {
	return NewProviderWithBaseURL(apiKey, "", opts...)
}

func NewProviderWithBaseURL(apiKey, apiBase string, opts ...Option) *Provider {
	baseURL := normalizeBaseURL(apiBase)
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return NewProviderWithClient(&client, baseURL, opts...)
}

func NewProviderWithClient(client *anthropic.Client, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		client:    client,
		baseURL:   baseURL,
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Model() string { return p.model }

func (p *Provider) BaseURL() string { return p.baseURL }

func (p *Provider) Complete(ctx context.Context, text, _ string) (string, error) {
	resp, err := p.client.Messages.New(ctx, buildParams(text, p.system, p.model, p.maxTokens))
	if err != nil {
		return "", fmt.Errorf("claude API call: %w", err)
	}
	return parseResponse(resp)
}

func buildParams(text, system, model string, maxTokens int64) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

func parseResponse(resp *anthropic.Message) (string, error) {
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 && resp.StopReason == anthropic.StopReasonRefusal {
		return "", errors.New("claude refused the request")
	}
	return sb.String(), nil
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return defaultBaseURL
	}

	base = strings.TrimRight(base, "/")
	if b, ok := strings.CutSuffix(base, "/v1"); ok {
		base = b
	}
	if base == "" {
		return defaultBaseURL
	}

	return base
}
