package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/aschepis/backscratcher/relay/cascade"
	"github.com/aschepis/backscratcher/relay/retry"
)

// ErrMissingAPIKey is returned when no OpenRouter API key is configured.
var ErrMissingAPIKey = errors.New("OPENROUTER_API_KEY is not set")

// ErrInvalidConfig wraps every other validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterConfig represents the remote endpoint and attribution headers.
type OpenRouterConfig struct {
	APIKey  string        `yaml:"api_key,omitempty"`
	BaseURL string        `yaml:"base_url,omitempty"`
	Referer string        `yaml:"referer,omitempty"` // sent as HTTP-Referer
	Title   string        `yaml:"title,omitempty"`   // sent as X-Title
	Timeout time.Duration `yaml:"timeout,omitempty"` // per HTTP request
}

// RetryConfig is the YAML form of retry.Config. Jitter is a pointer so a file
// can turn it off.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries,omitempty"`
	BaseDelay  time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay   time.Duration `yaml:"max_delay,omitempty"`
	Jitter     *bool         `yaml:"jitter,omitempty"`
}

// Retry converts to a retry.Config.
func (r RetryConfig) Retry() retry.Config {
	cfg := retry.Config{
		MaxRetries: r.MaxRetries,
		BaseDelay:  r.BaseDelay,
		MaxDelay:   r.MaxDelay,
		Jitter:     true,
	}
	if r.Jitter != nil {
		cfg.Jitter = *r.Jitter
	}
	return cfg
}

// CascadeConfig represents the degradation chain.
type CascadeConfig struct {
	Tiers []cascade.Tier `yaml:"tiers,omitempty"`
	Retry RetryConfig    `yaml:"retry,omitempty"` // applied to each tier
}

// StreamConfig represents streaming settings.
type StreamConfig struct {
	Timeout time.Duration `yaml:"timeout,omitempty"` // overall deadline per stream
}

// LocalConfig represents an optional Ollama tier appended to the cascade.
type LocalConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Host      string `yaml:"host,omitempty"`
	Model     string `yaml:"model,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

// ToolsConfig represents the agentic tool loop.
type ToolsConfig struct {
	MaxIterations int `yaml:"max_iterations,omitempty"`
}

// DatabaseConfig represents the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty"`
}

// MetricsConfig represents the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Config is the complete relay configuration.
type Config struct {
	OpenRouter OpenRouterConfig `yaml:"openrouter,omitempty"`
	Retry      RetryConfig      `yaml:"retry,omitempty"`
	Cascade    CascadeConfig    `yaml:"cascade,omitempty"`
	Stream     StreamConfig     `yaml:"stream,omitempty"`
	Local      LocalConfig      `yaml:"local,omitempty"`
	Tools      ToolsConfig      `yaml:"tools,omitempty"`
	Database   DatabaseConfig   `yaml:"database,omitempty"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		OpenRouter: OpenRouterConfig{
			BaseURL: DefaultBaseURL,
			Timeout: 120 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   10 * time.Second,
		},
		Cascade: CascadeConfig{
			Tiers: append([]cascade.Tier(nil), cascade.DefaultTiers...),
			Retry: RetryConfig{
				MaxRetries: 2,
				BaseDelay:  500 * time.Millisecond,
				MaxDelay:   10 * time.Second,
			},
		},
		Stream: StreamConfig{Timeout: 60 * time.Second},
		Local: LocalConfig{
			Host:      "http://localhost:11434",
			Model:     "llama3.2:3b",
			MaxTokens: 500,
		},
		Tools:    ToolsConfig{MaxIterations: 10},
		Database: DatabaseConfig{Path: "~/.relay/relay.db"},
	}
}

// GetConfigPath returns the default config file path.
// Can be overridden via RELAY_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG_PATH"); envPath != "" {
		return ExpandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.relay/config.yaml"
	}
	return filepath.Join(homeDir, ".relay", "config.yaml")
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Load reads path (if it exists) over the defaults and applies environment
// overrides. It does not validate; call Validate before use.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	expandedPath := ExpandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.OpenRouter.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_BASE_URL"); v != "" {
		cfg.OpenRouter.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Local.Host = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		cfg.Local.Model = v
	}
}

// Validate checks the configuration. A missing API key yields
// ErrMissingAPIKey; everything else wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OpenRouter.APIKey) == "" {
		return ErrMissingAPIKey
	}
	if c.OpenRouter.BaseURL == "" {
		return fmt.Errorf("%w: openrouter.base_url is empty", ErrInvalidConfig)
	}
	if err := c.Retry.Retry().Validate(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalidConfig, err)
	}
	if err := c.Cascade.Retry.Retry().Validate(); err != nil {
		return fmt.Errorf("%w: cascade.retry: %v", ErrInvalidConfig, err)
	}
	if len(c.Cascade.Tiers) == 0 {
		return fmt.Errorf("%w: cascade.tiers is empty", ErrInvalidConfig)
	}
	for i, t := range c.Cascade.Tiers {
		if t.Model == "" {
			return fmt.Errorf("%w: cascade.tiers[%d] has no model", ErrInvalidConfig, i)
		}
	}
	if c.Stream.Timeout <= 0 {
		return fmt.Errorf("%w: stream.timeout must be positive", ErrInvalidConfig)
	}
	if c.Local.Enabled && c.Local.Model == "" {
		return fmt.Errorf("%w: local.model is required when local is enabled", ErrInvalidConfig)
	}
	if c.Tools.MaxIterations < 1 {
		return fmt.Errorf("%w: tools.max_iterations must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Save writes cfg to path as YAML. The API key is not written.
func Save(cfg *Config, path string) error {
	expandedPath := ExpandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := *cfg
	out.OpenRouter.APIKey = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
