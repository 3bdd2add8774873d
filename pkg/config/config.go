package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	ProviderRocketChat = "rocketchat"
	ProviderMattermost = "mattermost"
)

// FlexibleStringSlice is a []string that also accepts numbers, so
// allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = stringify(raw)
	return nil
}

func (f *FlexibleStringSlice) UnmarshalYAML(node *yaml.Node) error {
	var raw []any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*f = stringify(raw)
	return nil
}

func stringify(raw []any) []string {
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	return result
}

// Duration is a time.Duration written as "1s", "500ms" in config files and
// environment variables.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Connection ConnectionConfig `json:"connection"  yaml:"connection"`
	Engine     EngineConfig     `json:"engine"      yaml:"engine"`
	Action     string           `json:"action"      yaml:"action"      env:"TXTCHAT_ACTION"`
	MaxLength  int              `json:"maxlength"   yaml:"maxlength"   env:"TXTCHAT_MAXLENGTH"`
	DedupLimit int              `json:"dedup_limit" yaml:"dedup_limit" env:"TXTCHAT_DEDUP_LIMIT"`
	Reconnect  ReconnectConfig  `json:"reconnect"   yaml:"reconnect"`
	Gateway    GatewayConfig    `json:"gateway"     yaml:"gateway"`
	Logging    LoggingConfig    `json:"logging"     yaml:"logging"`
}

// ConnectionConfig selects the chat platform and the bot's account. Empty
// fields are filled from the AGENT_* environment variables.
type ConnectionConfig struct {
	Provider      string              `json:"provider"             yaml:"provider"`
	URL           string              `json:"url"                  yaml:"url"`
	Username      string              `json:"username"             yaml:"username"`
	Password      string              `json:"password"             yaml:"password"`
	Token         string              `json:"token"                yaml:"token"`
	Concurrent    *bool               `json:"concurrent,omitempty" yaml:"concurrent,omitempty"`
	AllowFrom     FlexibleStringSlice `json:"allow_from"           yaml:"allow_from"`
	ReplyInThread bool                `json:"reply_in_thread"      yaml:"reply_in_thread"`
}

type EngineConfig struct {
	Provider     string   `json:"provider"      yaml:"provider"      env:"TXTCHAT_ENGINE_PROVIDER"`
	Model        string   `json:"model"         yaml:"model"         env:"TXTCHAT_ENGINE_MODEL"`
	APIKey       string   `json:"api_key"       yaml:"api_key"       env:"TXTCHAT_ENGINE_API_KEY"`
	APIBase      string   `json:"api_base"      yaml:"api_base"      env:"TXTCHAT_ENGINE_API_BASE"`
	MaxTokens    int      `json:"max_tokens"    yaml:"max_tokens"    env:"TXTCHAT_ENGINE_MAX_TOKENS"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt" env:"TXTCHAT_ENGINE_SYSTEM_PROMPT"`
	Command      []string `json:"command"       yaml:"command"       env:"TXTCHAT_ENGINE_COMMAND" envSeparator:" "`
	Fallback     string   `json:"fallback"      yaml:"fallback"      env:"TXTCHAT_ENGINE_FALLBACK"`
	Mode         string   `json:"mode"          yaml:"mode"          env:"TXTCHAT_ENGINE_MODE"`
}

type ReconnectConfig struct {
	MinDelay Duration `json:"min_delay" yaml:"min_delay" env:"TXTCHAT_RECONNECT_MIN_DELAY"`
	MaxDelay Duration `json:"max_delay" yaml:"max_delay" env:"TXTCHAT_RECONNECT_MAX_DELAY"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"TXTCHAT_GATEWAY_HOST"`
	Port int    `json:"port" yaml:"port" env:"TXTCHAT_GATEWAY_PORT"`
}

type LoggingConfig struct {
	Level  string `json:"level"  yaml:"level"  env:"TXTCHAT_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"TXTCHAT_LOG_FORMAT"`
}

// agentEnv holds the connection fallbacks. They only apply to fields the
// config file left empty.
type agentEnv struct {
	URL      string `env:"AGENT_URL"`
	Username string `env:"AGENT_USERNAME"`
	Password string `env:"AGENT_PASSWORD"`
	Token    string `env:"AGENT_TOKEN"`
	Provider string `env:"AGENT_PROVIDER"`
}

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Provider: "echo",
		},
		MaxLength: 8192,
		Reconnect: ReconnectConfig{
			MinDelay: Duration(time.Second),
			MaxDelay: Duration(30 * time.Second),
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads path over the defaults, then applies the environment.
// A missing file yields the defaults. Files ending in .yml or .yaml are
// parsed as YAML, anything else as JSON.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyAgentEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decode(path string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return yaml.Unmarshal(data, v)
	default:
		return json.Unmarshal(data, v)
	}
}

func (c *Config) applyAgentEnv() error {
	var e agentEnv
	if err := env.Parse(&e); err != nil {
		return err
	}

	conn := &c.Connection
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&conn.URL, e.URL)
	fill(&conn.Username, e.Username)
	fill(&conn.Password, e.Password)
	fill(&conn.Token, e.Token)
	fill(&conn.Provider, e.Provider)
	conn.Provider = strings.ToLower(strings.TrimSpace(conn.Provider))
	if conn.Provider == "" {
		conn.Provider = ProviderRocketChat
	}
	return nil
}

// Validate reports settings the gateway cannot run with.
func (c *Config) Validate() error {
	conn := c.Connection
	if conn.URL == "" {
		return errors.New("connection.url is required (or set AGENT_URL)")
	}

	// Any provider other than mattermost runs the Rocket.Chat adapter.
	switch conn.Provider {
	case ProviderMattermost:
		if conn.Token == "" && (conn.Username == "" || conn.Password == "") {
			return errors.New("mattermost requires connection.token or connection.username and connection.password")
		}
	default:
		if conn.Username == "" || conn.Password == "" {
			return errors.New("rocketchat requires connection.username and connection.password")
		}
	}

	if c.Reconnect.MinDelay < 0 || c.Reconnect.MaxDelay < 0 {
		return errors.New("reconnect delays must not be negative")
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.MinDelay > c.Reconnect.MaxDelay {
		return errors.New("reconnect.min_delay exceeds reconnect.max_delay")
	}
	if c.DedupLimit < 0 {
		return errors.New("dedup_limit must not be negative")
	}
	return nil
}

// ConcurrentOverride reports the configured dispatch mode override, if any.
func (c ConnectionConfig) ConcurrentOverride() (bool, bool) {
	if c.Concurrent == nil {
		return false, false
	}
	return *c.Concurrent, true
}

func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
