// Package config loads pith's operator configuration file and exposes
// immutable runtime settings, following the teacher's env-substitution +
// yaml.v3 decode pattern (internal/config/loader.go) trimmed to the keys
// spec.md §6 actually names.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Version  int            `yaml:"version"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Model    ModelConfig    `yaml:"model"`
	MCP      MCPConfig      `yaml:"mcp"`
	Channels ChannelsConfig `yaml:"channels"`
}

// ChannelsConfig declares the long-running channel connectors (spec.md
// §4.7) to start alongside the HTTP/SSE surface. Each is optional; a channel
// starts only when its `enabled` flag is true.
type ChannelsConfig struct {
	Discord  DiscordChannelConfig  `yaml:"discord"`
	Telegram TelegramChannelConfig `yaml:"telegram"`
	Slack    SlackChannelConfig    `yaml:"slack"`
}

// DiscordChannelConfig configures the Discord connector.
type DiscordChannelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	TokenEnv  string `yaml:"token_env"`
	ChannelID string `yaml:"channel_id"`
}

// TelegramChannelConfig configures the Telegram connector.
type TelegramChannelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	ChatID   int64  `yaml:"chat_id"`
}

// SlackChannelConfig configures the Slack Socket Mode connector.
type SlackChannelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BotTokenEnv string `yaml:"bot_token_env"`
	AppTokenEnv string `yaml:"app_token_env"`
	ChannelID   string `yaml:"channel_id"`
}

// RuntimeConfig holds workspace paths and turn/context tuning.
type RuntimeConfig struct {
	WorkspacePath string        `yaml:"workspace_path"`
	MemoryDBPath  string        `yaml:"memory_db_path"`
	LogDir        string        `yaml:"log_dir"`
	Context       ContextConfig `yaml:"context"`
	Turn          TurnConfig    `yaml:"turn"`
	ListenAddr    string        `yaml:"listen_addr"`
}

// ContextConfig tunes the Context Assembler (spec.md §4.3).
type ContextConfig struct {
	WindowMessages int `yaml:"window_messages"`
	MemoryTopK     int `yaml:"memory_top_k"`
}

// TurnConfig tunes the turn orchestrator (spec.md §4.4).
type TurnConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations"`
	DeadlineSeconds   int `yaml:"deadline_seconds"`
}

// ModelConfig selects and configures the Model provider (spec.md §4.3... §6).
type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Temperature float64 `yaml:"temperature"`
}

// MCPConfig declares remote tool servers (spec.md §4.2).
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig is one entry of mcp.servers[*].
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// ConfigError is returned for malformed or incomplete configuration
// (spec.md §7: fatal at startup).
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

const defaultConfigPath = "~/.config/pith/config.yaml"

// ResolvePath returns the configured path from PITH_CONFIG, or the default.
func ResolvePath() string {
	if p := os.Getenv("PITH_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads, env-substitutes and validates the config file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ResolvePath()
	}
	expandedPath, err := expandHome(path)
	if err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("read %s: %v", expandedPath, err)}
	}

	expanded := os.ExpandEnv(string(data))
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parse %s: %v", expandedPath, err)}
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Runtime.WorkspacePath == "" {
		cfg.Runtime.WorkspacePath = "./workspace"
	}
	if cfg.Runtime.MemoryDBPath == "" {
		cfg.Runtime.MemoryDBPath = filepath.Join(cfg.Runtime.WorkspacePath, "memory.db")
	}
	if cfg.Runtime.LogDir == "" {
		cfg.Runtime.LogDir = filepath.Join(cfg.Runtime.WorkspacePath, ".pith", "logs")
	}
	if cfg.Runtime.ListenAddr == "" {
		cfg.Runtime.ListenAddr = ":8420"
	}
	if cfg.Runtime.Context.WindowMessages == 0 {
		cfg.Runtime.Context.WindowMessages = 40
	}
	if cfg.Runtime.Context.MemoryTopK == 0 {
		cfg.Runtime.Context.MemoryTopK = 5
	}
	if cfg.Runtime.Turn.MaxToolIterations == 0 {
		cfg.Runtime.Turn.MaxToolIterations = 16
	}
	if cfg.Runtime.Turn.DeadlineSeconds == 0 {
		cfg.Runtime.Turn.DeadlineSeconds = 300
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "anthropic"
	}
	if cfg.Model.APIKeyEnv == "" {
		cfg.Model.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return &ConfigError{Msg: fmt.Sprintf("unsupported config version %d", cfg.Version)}
	}
	if cfg.Model.Model == "" {
		return &ConfigError{Msg: "model.model is required"}
	}
	if os.Getenv(cfg.Model.APIKeyEnv) == "" {
		return &ConfigError{Msg: fmt.Sprintf("environment variable %s is unset", cfg.Model.APIKeyEnv)}
	}
	return nil
}

func expandHome(path string) (string, error) {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
