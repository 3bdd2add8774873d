// Package txtai runs a txtai application workflow or agent over its HTTP
// API. The workflow named by the configured action receives the message text
// as its single element; an agent receives it as its prompt.
package txtai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 120 * time.Second
)

type Provider struct {
	rest   *resty.Client
	action string

	agent     bool
	maxLength int
}

type Option func(*Provider)

// WithToken sets the bearer token the txtai API was started with.
func WithToken(token string) Option {
	return func(p *Provider) {
		if token != "" {
			p.rest.SetAuthToken(token)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.rest.SetTimeout(d)
		}
	}
}

// WithAgent runs the action as a txtai agent instead of a workflow.
// maxLength caps the agent output; zero leaves the server default.
func WithAgent(maxLength int) Option {
	return func(p *Provider) {
		p.agent = true
		p.maxLength = maxLength
	}
}

func NewProvider(baseURL, action string, opts ...Option) (*Provider, error) {
	if action == "" {
		return nil, errors.New("txtai: action is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p := &Provider{
		rest: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(DefaultTimeout).
			SetHeader("Accept", "application/json"),
		action: action,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return "txtai" }

type workflowRequest struct {
	Name     string   `json:"name"`
	Elements []string `json:"elements"`
}

type agentRequest struct {
	Name      string `json:"name"`
	Text      string `json:"text"`
	MaxLength int    `json:"maxlength,omitempty"`
}

func (p *Provider) Complete(ctx context.Context, text, _ string) (string, error) {
	if p.agent {
		return p.runAgent(ctx, text)
	}

	var results []json.RawMessage
	resp, err := p.rest.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetBody(workflowRequest{Name: p.action, Elements: []string{text}}).
		SetResult(&results).
		Post("/workflow")
	if err != nil {
		return "", fmt.Errorf("txtai workflow %s: %w", p.action, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("txtai workflow %s: %s", p.action, resp.Status())
	}
	if len(results) == 0 {
		return "", fmt.Errorf("txtai workflow %s returned no results", p.action)
	}
	return resultText(results[0])
}

func (p *Provider) runAgent(ctx context.Context, text string) (string, error) {
	var result json.RawMessage
	resp, err := p.rest.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetBody(agentRequest{Name: p.action, Text: text, MaxLength: p.maxLength}).
		SetResult(&result).
		Post("/agent")
	if err != nil {
		return "", fmt.Errorf("txtai agent %s: %w", p.action, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("txtai agent %s: %s", p.action, resp.Status())
	}
	return resultText(result)
}

// resultText renders a workflow or agent result. Strings are returned as is; any
// other JSON value is returned in its encoded form.
func resultText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("txtai returned a null result")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	return string(raw), nil
}
