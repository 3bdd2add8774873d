// Package agent assembles a chat responder from configuration: the platform
// adapter, the response engine and the lifecycle manager that drives them.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyland-inc/txtchat/pkg/chat"
	"github.com/tinyland-inc/txtchat/pkg/chat/mattermost"
	"github.com/tinyland-inc/txtchat/pkg/chat/rocketchat"
	"github.com/tinyland-inc/txtchat/pkg/config"
	"github.com/tinyland-inc/txtchat/pkg/engine"
	"github.com/tinyland-inc/txtchat/pkg/logger"
)

// CreateAdapter returns the adapter for conn.Provider and the dispatch mode
// it runs with by default. Mattermost answers sequentially; Rocket.Chat, the
// fallback for any other name, answers concurrently. conn.Concurrent
// overrides the default.
func CreateAdapter(conn config.ConnectionConfig) (chat.Adapter, chat.DispatchMode, error) {
	var (
		adapter chat.Adapter
		mode    chat.DispatchMode
		err     error
	)

	switch conn.Provider {
	case config.ProviderMattermost:
		adapter, err = mattermost.New(conn.URL)
		mode = chat.DispatchSequential
	default:
		adapter, err = rocketchat.New(conn.URL)
		mode = chat.DispatchConcurrent
	}
	if err != nil {
		return nil, mode, fmt.Errorf("error creating %s adapter: %w", conn.Provider, err)
	}

	if concurrent, ok := conn.ConcurrentOverride(); ok {
		mode = chat.DispatchSequential
		if concurrent {
			mode = chat.DispatchConcurrent
		}
	}
	return adapter, mode, nil
}

// stopper is implemented by providers that own a child process.
type stopper interface {
	Stop() error
}

// Agent is one configured responder.
type Agent struct {
	manager  *chat.Manager
	provider engine.Provider
}

// New builds an Agent with the engine named in cfg.Engine.
func New(cfg *config.Config) (*Agent, error) {
	provider, err := engine.CreateProvider(cfg.Engine, cfg.Action, cfg.MaxLength)
	if err != nil {
		return nil, fmt.Errorf("error creating engine: %w", err)
	}
	return NewWithProvider(cfg, provider)
}

// NewWithProvider builds an Agent around an existing engine provider.
func NewWithProvider(cfg *config.Config, provider engine.Provider, opts ...func(*chat.Options)) (*Agent, error) {
	adapter, mode, err := CreateAdapter(cfg.Connection)
	if err != nil {
		return nil, err
	}

	conn := cfg.Connection
	options := chat.Options{
		Credentials: chat.Credentials{
			Username: conn.Username,
			Password: conn.Password,
			Token:    conn.Token,
		},
		Dispatch:          mode,
		MinReconnectDelay: time.Duration(cfg.Reconnect.MinDelay),
		MaxReconnectDelay: time.Duration(cfg.Reconnect.MaxDelay),
		DedupLimit:        cfg.DedupLimit,
		AllowFrom:         conn.AllowFrom,
		ReplyInThread:     conn.ReplyInThread,
	}
	for _, opt := range opts {
		opt(&options)
	}

	responder := engine.NewResponder(provider, engine.WithFallback(cfg.Engine.Fallback))

	logger.InfoCF("agent", "Agent configured", map[string]any{
		"provider": adapter.Name(),
		"url":      conn.URL,
		"engine":   provider.Name(),
		"dispatch": mode.String(),
	})

	return &Agent{
		manager:  chat.NewManager(adapter, responder, options),
		provider: provider,
	}, nil
}

func (a *Agent) Manager() *chat.Manager { return a.manager }

func (a *Agent) Provider() engine.Provider { return a.provider }

// Ready reports whether the agent is connected and listening.
func (a *Agent) Ready() bool {
	return a.manager.State() == chat.StateListening
}

// Run blocks until ctx is canceled, then releases the engine.
func (a *Agent) Run(ctx context.Context) error {
	err := a.manager.Run(ctx)
	if s, ok := a.provider.(stopper); ok {
		if stopErr := s.Stop(); stopErr != nil {
			logger.WarnCF("agent", "Engine did not stop cleanly", map[string]any{"error": stopErr.Error()})
		}
	}
	return err
}
