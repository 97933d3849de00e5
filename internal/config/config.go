// Package config handles Mentoria configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mentoria/config.yaml, /etc/mentoria/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mentoria", "config.yaml"))
	}

	paths = append(paths, "/etc/mentoria/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Mentoria configuration.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	OpenAI   OpenAIConfig  `yaml:"openai"`
	Store    StoreConfig   `yaml:"store"`
	Runs     RunsConfig    `yaml:"runs"`
	Webhook  WebhookConfig `yaml:"webhook"`
	Web      WebConfig     `yaml:"web"`
	LogLevel string        `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OpenAIConfig defines the remote assistant service connection.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Default: https://api.openai.com/v1

	// Assistants maps persona kind (vendas, treinamento, whatsapp) to
	// a pre-provisioned assistant ID. A missing entry disables that
	// persona at startup.
	Assistants map[string]string `yaml:"assistants"`

	// CompletionModel is used for one-shot completions (name
	// extraction fallback, WhatsApp summaries).
	CompletionModel string `yaml:"completion_model"`
}

// StoreConfig defines the conversation store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite database path
}

// RunsConfig tunes the run polling loop and network retry policy.
// Zero values fall back to the defaults in the session package.
type RunsConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`     // default 1s
	MaxPollAttempts int           `yaml:"max_poll_attempts"` // default 30 (60 with tools)
	RetryAttempts   int           `yaml:"retry_attempts"`    // default 3
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`  // default 2s
	WaitActiveBound int           `yaml:"wait_active_bound"` // default 10 polls
}

// WebhookConfig defines WhatsApp webhook ingestion settings.
type WebhookConfig struct {
	// Token must match the X-Webhook-Token header on inbound posts.
	// Empty disables ingestion.
	Token string `yaml:"token"`

	// PublicURL is the externally reachable webhook URL, used only for
	// the registration QR code endpoint.
	PublicURL string `yaml:"public_url"`
}

// WebConfig defines the browser-facing session settings.
type WebConfig struct {
	// SessionTTL is the cookie-session inactivity expiry (default 30m).
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		OpenAI: OpenAIConfig{
			BaseURL:         "https://api.openai.com/v1",
			CompletionModel: "gpt-4o-mini",
		},
		Store: StoreConfig{Path: "mentoria.db"},
		Web:   WebConfig{SessionTTL: 30 * time.Minute},
	}
}

// Validate reports configuration problems that make startup pointless.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if len(c.OpenAI.Assistants) == 0 {
		return fmt.Errorf("openai.assistants must configure at least one persona")
	}
	return nil
}
