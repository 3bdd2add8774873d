// Package engine turns inbound chat text into replies. A Provider does the
// generation; a Responder wraps it into the never-failing chat.Engine
// contract the delivery path expects.
package engine

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/tinyland-inc/txtchat/pkg/chat"
	"github.com/tinyland-inc/txtchat/pkg/logger"
)

// DefaultFallback is sent when a provider fails.
const DefaultFallback = "I had an error processing this request"

// Provider generates a reply for text. session identifies the conversation,
// which is the channel id for chat traffic.
type Provider interface {
	Name() string
	Complete(ctx context.Context, text, session string) (string, error)
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>\n?`)

// Clean strips reasoning blocks and surrounding whitespace.
func Clean(s string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(s, ""))
}

// Responder adapts a Provider to chat.Engine.
type Responder struct {
	provider Provider
	fallback string
}

var _ chat.Engine = (*Responder)(nil)

type ResponderOption func(*Responder)

// WithFallback overrides the reply used when the provider fails.
func WithFallback(text string) ResponderOption {
	return func(r *Responder) {
		if text != "" {
			r.fallback = text
		}
	}
}

func NewResponder(p Provider, opts ...ResponderOption) *Responder {
	r := &Responder{provider: p, fallback: DefaultFallback}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Responder) Provider() Provider { return r.provider }

// Generate never fails. Provider errors and empty replies are logged and
// replaced by the fallback text.
func (r *Responder) Generate(ctx context.Context, text, session string) string {
	start := time.Now()
	out, err := r.provider.Complete(ctx, text, session)
	if err != nil {
		logger.ErrorCF("engine", "Response generation failed", map[string]any{
			"provider": r.provider.Name(),
			"session":  session,
			"error":    err.Error(),
		})
		return r.fallback
	}

	out = Clean(out)
	if out == "" {
		logger.WarnCF("engine", "Provider returned an empty reply", map[string]any{
			"provider": r.provider.Name(),
			"session":  session,
		})
		return r.fallback
	}

	logger.DebugCF("engine", "Response generated", map[string]any{
		"provider":   r.provider.Name(),
		"session":    session,
		"elapsed_ms": time.Since(start).Milliseconds(),
		"chars":      len(out),
	})
	return out
}

// Echo replies with the input. Useful for wiring checks.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Complete(_ context.Context, text, _ string) (string, error) {
	return text, nil
}
