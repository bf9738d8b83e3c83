// Package config loads the relay daemon configuration from YAML, applying
// defaults and environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root daemon configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Compaction CompactionConfig `yaml:"compaction"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Agents     []AgentConfig    `yaml:"agents"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file. Ignored for the memory driver.
	Path string `yaml:"path"`
}

// ProvidersConfig holds per-provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

// ProviderConfig configures one model provider. APIKeyEnv names an
// environment variable consulted when APIKey is empty, so keys stay out of
// config files.
type ProviderConfig struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// Key resolves the provider's API key.
func (p ProviderConfig) Key() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// ApprovalConfig tunes the tool approval gate.
type ApprovalConfig struct {
	// Mode is "off", "dangerous", or "all".
	Mode    string        `yaml:"mode"`
	Timeout time.Duration `yaml:"timeout"`
}

// CompactionConfig tunes passive pruning thresholds.
type CompactionConfig struct {
	ProtectTokens       int      `yaml:"protect_tokens"`
	MinPruneTokens      int      `yaml:"min_prune_tokens"`
	KeepRecentUserTurns int      `yaml:"keep_recent_user_turns"`
	ProtectedTools      []string `yaml:"protected_tools"`
}

// RuntimeConfig tunes turn execution.
type RuntimeConfig struct {
	MaxSteps int `yaml:"max_steps"`
}

// AgentConfig declares a named agent: a prompt fragment plus tool allowlist.
type AgentConfig struct {
	ID              string   `yaml:"id"`
	Prompt          string   `yaml:"prompt"`
	Tools           []string `yaml:"tools"`
	ReasoningBudget int      `yaml:"reasoning_budget"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   defaultStorePath(),
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{APIKeyEnv: "ANTHROPIC_API_KEY"},
			OpenAI:    ProviderConfig{APIKeyEnv: "OPENAI_API_KEY"},
		},
		Approval: ApprovalConfig{Mode: "dangerous"},
		Metrics:  MetricsConfig{Addr: "127.0.0.1:9464"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.db"
	}
	return filepath.Join(home, ".relay", "relay.db")
}

// Load reads the config file at path, layered over defaults. A missing file
// is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot honor.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Approval.Mode {
	case "", "off", "dangerous", "all":
	default:
		return fmt.Errorf("unknown approval mode %q", c.Approval.Mode)
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for _, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if _, dup := seen[agent.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", agent.ID)
		}
		seen[agent.ID] = struct{}{}
	}
	return nil
}
