// Package openaiengine answers chat messages with any OpenAI-compatible chat
// completions endpoint.
package openaiengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 4096
)

type Provider struct {
	client    openai.Client
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

// NewProvider builds a provider. An empty apiBase targets api.openai.com.
func NewProvider(apiKey, apiBase string, opts ...Option) *Provider {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if base := strings.TrimSpace(apiBase); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}

	p := &Provider{
		client:    openai.NewClient(reqOpts...),
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Model() string { return p.model }

func (p *Provider) Complete(ctx context.Context, text, _ string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, buildParams(text, p.system, p.model, p.maxTokens))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildParams(text, system, model string, maxTokens int64) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(text))

	return openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}
