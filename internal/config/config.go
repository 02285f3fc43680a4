package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when APE_CONFIG is not set. A missing file is not an error.
const DefaultConfigPath = ".ape/config.yaml"

// Config holds all ape configuration.
type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Repair  RepairConfig  `yaml:"repair"`
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
}

// RepairConfig configures the repair loop.
type RepairConfig struct {
	Mode            string `yaml:"mode"` // automatic, supervised
	MaxRetries      int    `yaml:"max_retries"`
	PromptPath      string `yaml:"prompt_path"`
	WatchPrompt     bool   `yaml:"watch_prompt"`
	PersistFallback bool   `yaml:"persist_fallback"`
}

// JournalConfig configures the repair history database.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Driver  string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
}

// Error reports a missing or invalid startup setting. It is fatal: no managed
// function can run without a valid configuration.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:            "claude-3-sonnet-20240229",
			MaxTokens:        1500,
			Timeout:          "120s",
			CredentialHeader: "x-api-key",
			APIVersion:       "2023-06-01",
			RequestRetries:   1,
		},
		Repair: RepairConfig{
			Mode:            ModeAutomatic.String(),
			MaxRetries:      2,
			PromptPath:      "ape_prompt.md",
			PersistFallback: true,
		},
		Journal: JournalConfig{
			Path:   filepath.Join(".ape", "journal.db"),
			Driver: "sqlite3",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadFromEnv loads the file named by APE_CONFIG (or DefaultConfigPath) and
// applies environment overrides.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv("APE_CONFIG")
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(path)
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LLM_API_URL"); v != "" {
		c.LLM.Endpoint = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("APE_TIMEOUT"); v != "" {
		c.LLM.Timeout = v
	}
	if v := os.Getenv("APE_MODE"); v != "" {
		c.Repair.Mode = v
	}
	if v := os.Getenv("APE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Repair.MaxRetries = n
		}
	}
	if v := os.Getenv("APE_PROMPT_PATH"); v != "" {
		c.Repair.PromptPath = v
	}
	if v := os.Getenv("APE_JOURNAL"); v != "" {
		c.Journal.Enabled = true
		c.Journal.Path = v
	}
	if v := os.Getenv("APE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks required settings. The returned error is a *Error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.Endpoint) == "" {
		return &Error{
			Field:  "llm.endpoint",
			Reason: "LLM_API_URL is required (e.g. https://api.anthropic.com/v1/messages)",
		}
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return &Error{
			Field:  "llm.api_key",
			Reason: "LLM_API_KEY is required",
		}
	}
	if c.Repair.MaxRetries < 0 {
		return &Error{
			Field:  "repair.max_retries",
			Reason: fmt.Sprintf("must be >= 0, got %d", c.Repair.MaxRetries),
		}
	}
	return nil
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}

// ResolveMode parses Repair.Mode. An invalid value falls back to automatic
// and is reported through the returned error.
func (c *Config) ResolveMode() (Mode, error) {
	return ParseMode(c.Repair.Mode)
}

// GetLLMTimeout returns the request timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}
