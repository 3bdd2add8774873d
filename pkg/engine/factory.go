package engine

import (
	"fmt"
	"strings"

	"github.com/tinyland-inc/txtchat/pkg/config"
	anthropicengine "github.com/tinyland-inc/txtchat/pkg/engine/anthropic"
	openaiengine "github.com/tinyland-inc/txtchat/pkg/engine/openai"
	"github.com/tinyland-inc/txtchat/pkg/engine/rpc"
	"github.com/tinyland-inc/txtchat/pkg/engine/txtai"
)

// CreateProvider builds the Provider named by cfg.Provider. action and
// maxLength are the pipeline settings from the top-level config; only the
// txtai and command backends use them. For txtai, cfg.Mode picks between
// running the action as a workflow (the default) or as an agent.
func CreateProvider(cfg config.EngineConfig, action string, maxLength int) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "echo":
		return Echo{}, nil

	case "anthropic", "claude":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("engine %q requires engine.api_key", cfg.Provider)
		}
		return anthropicengine.NewProviderWithBaseURL(cfg.APIKey, cfg.APIBase,
			anthropicengine.WithModel(cfg.Model),
			anthropicengine.WithSystemPrompt(cfg.SystemPrompt),
			anthropicengine.WithMaxTokens(cfg.MaxTokens),
		), nil

	case "openai":
		if cfg.APIKey == "" && cfg.APIBase == "" {
			return nil, fmt.Errorf("engine %q requires engine.api_key or engine.api_base", cfg.Provider)
		}
		return openaiengine.NewProvider(cfg.APIKey, cfg.APIBase,
			openaiengine.WithModel(cfg.Model),
			openaiengine.WithSystemPrompt(cfg.SystemPrompt),
			openaiengine.WithMaxTokens(cfg.MaxTokens),
		), nil

	case "txtai":
		opts := []txtai.Option{txtai.WithToken(cfg.APIKey)}
		switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
		case "", "workflow":
		case "agent":
			opts = append(opts, txtai.WithAgent(maxLength))
		default:
			return nil, fmt.Errorf("unknown txtai engine mode %q", cfg.Mode)
		}
		p, err := txtai.NewProvider(cfg.APIBase, action, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil

	case "command":
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("engine %q requires engine.command", cfg.Provider)
		}
		return rpc.NewProcess(cfg.Command, rpc.WithAction(action), rpc.WithMaxLength(maxLength)), nil

	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}
