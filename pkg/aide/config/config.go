// Package config holds the daemon configuration: YAML file with
// defaults overlay, environment expansion via .env, and OS-keyring
// secret resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/aide/pkg/aide/channels/whatsapp"
	"github.com/jholhewres/aide/pkg/aide/cron"
	"github.com/jholhewres/aide/pkg/aide/llm"
	"github.com/jholhewres/aide/pkg/aide/queue"
)

// Config is the root daemon configuration.
type Config struct {
	// Name the assistant answers to.
	Name string `yaml:"name"`
	// DataDir hosts all persisted state, default ./data.
	DataDir string `yaml:"data_dir"`
	// Workspace is the LLM subprocess working directory.
	Workspace string `yaml:"workspace"`
	// SoulFile is the persona document injected into prompts.
	SoulFile string `yaml:"soul_file"`

	Logging LoggingConfig `yaml:"logging"`
	LLM     llm.Config    `yaml:"llm"`
	Queue   queue.Config  `yaml:"queue"`
	Cron    cron.Config   `yaml:"cron"`
	Budget  BudgetConfig  `yaml:"budget"`
	Chat    ChatConfig    `yaml:"chat"`

	Channels ChannelsConfig `yaml:"channels"`

	// Tools maps TOOL_CALL marker names to argv commands. Params arrive
	// as JSON on the tool's stdin.
	Tools map[string][]string `yaml:"tools"`
}

// LoggingConfig mirrors the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// BudgetConfig caps daily spend; the assembler degrades to the minimal
// tier as utilisation approaches 1.0.
type BudgetConfig struct {
	DailyUSD float64 `yaml:"daily_usd"`
}

// ChatConfig tunes the message pipeline.
type ChatConfig struct {
	// ComposingTimeoutSec aborts an LLM call still composing after this
	// long (the cascade breaker). 0 disables.
	ComposingTimeoutSec int `yaml:"composing_timeout_sec"`
	// OutcomeWindowMin is how long a user reply still counts as a
	// reaction to the bot's last message.
	OutcomeWindowMin int `yaml:"outcome_window_min"`
	// HistoryMax bounds per-correspondent history entries.
	HistoryMax int `yaml:"history_max"`
}

// ChannelsConfig selects and configures transports.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

// WhatsAppConfig wraps the adapter config with an enable switch.
type WhatsAppConfig struct {
	Enabled         bool `yaml:"enabled"`
	whatsapp.Config `yaml:",inline"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "aide",
		DataDir: "data",
		Logging: LoggingConfig{Level: "info", Format: "json"},
		LLM:     llm.DefaultConfig(),
		Queue:   queue.DefaultConfig(),
		Cron: cron.Config{
			Quiet: cron.QuietHours{Start: 23, End: 7},
		},
		Budget: BudgetConfig{DailyUSD: 10},
		Chat: ChatConfig{
			ComposingTimeoutSec: 300,
			OutcomeWindowMin:    10,
			HistoryMax:          40,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. A .env next
// to the config file is loaded first so ${VAR} references expand.
func LoadFromFile(path string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML bytes, starting from defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the config as YAML.
func SaveToFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches standard locations, returning the first hit
// or empty string.
func FindConfigFile() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		"config.yaml",
		"config.yml",
		"aide.yaml",
		"aide.yml",
	}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, ".config", "aide", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// SoulText loads the persona file, tolerating absence.
func (c *Config) SoulText() string {
	if c.SoulFile == "" {
		return ""
	}
	data, err := os.ReadFile(c.SoulFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
