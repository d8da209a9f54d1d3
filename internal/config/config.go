// Package config holds the client and server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendGrok      = "grok"
	BackendOpenAI    = "openai"
)

// Config holds application configuration
type Config struct {
	Backend     string `yaml:"backend"`
	OllamaModel string `yaml:"ollama_model"` // Model specification in format "model:version" (e.g., "llama3:latest")
	Debug       bool   `yaml:"debug"`

	// Storage
	LogDir         string `yaml:"log_dir"`
	DBPath         string `yaml:"db_path"`          // SQLite file used by the in-process auth/data service
	LocalStorePath string `yaml:"local_store_path"` // bbolt file holding the guest record

	// RemoteURL points at an assistchat-server. Empty means the in-process service.
	RemoteURL string `yaml:"remote_url"`

	GracePeriod   time.Duration `yaml:"grace_period"`   // Delay before the sign-in prompt appears
	SessionTTL    time.Duration `yaml:"session_ttl"`    // Access token lifetime for the in-process service
	TitleMaxLen   int           `yaml:"title_max_len"`  // Rune limit for auto-generated conversation titles
	ResetRedirect string        `yaml:"reset_redirect"` // Link sent with password reset requests
	ListenAddr    string        `yaml:"listen_addr"`    // Server only
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend:        BackendOllama,
		OllamaModel:    "llama3:latest",
		LogDir:         "logs",
		DBPath:         "assistchat.db",
		LocalStorePath: "assistchat-local.db",
		GracePeriod:    2 * time.Second,
		SessionTTL:     time.Hour,
		TitleMaxLen:    50,
		ResetRedirect:  "http://localhost:3000/reset-password",
		ListenAddr:     ":8080",
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama, BackendAnthropic, BackendGrok, BackendOpenAI:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}
	if c.DBPath == "" && c.RemoteURL == "" {
		return fmt.Errorf("db_path is required when remote_url is empty")
	}
	if c.LocalStorePath == "" {
		return fmt.Errorf("local_store_path is required")
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if c.TitleMaxLen < 4 {
		return fmt.Errorf("title_max_len must be at least 4")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveToFile writes the configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Merge overlays the non-zero fields of other onto c
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Backend != "" {
		c.Backend = other.Backend
	}
	if other.OllamaModel != "" {
		c.OllamaModel = other.OllamaModel
	}
	if other.Debug {
		c.Debug = true
	}
	if other.LogDir != "" {
		c.LogDir = other.LogDir
	}
	if other.DBPath != "" {
		c.DBPath = other.DBPath
	}
	if other.LocalStorePath != "" {
		c.LocalStorePath = other.LocalStorePath
	}
	if other.RemoteURL != "" {
		c.RemoteURL = other.RemoteURL
	}
	if other.GracePeriod != 0 {
		c.GracePeriod = other.GracePeriod
	}
	if other.SessionTTL != 0 {
		c.SessionTTL = other.SessionTTL
	}
	if other.TitleMaxLen != 0 {
		c.TitleMaxLen = other.TitleMaxLen
	}
	if other.ResetRedirect != "" {
		c.ResetRedirect = other.ResetRedirect
	}
	if other.ListenAddr != "" {
		c.ListenAddr = other.ListenAddr
	}
}
