package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/samsaffron/docpilot/internal/llm"
	"github.com/samsaffron/docpilot/internal/mcp"
	"github.com/samsaffron/docpilot/internal/usage"
	"github.com/spf13/viper"
)

const (
	appName   = "docpilot"
	envPrefix = "DOCPILOT"

	// LedgerAuto places the cost ledger in the data directory.
	LedgerAuto = "auto"
)

type Config struct {
	Anthropic AnthropicConfig  `mapstructure:"anthropic" yaml:"anthropic"`
	Retry     RetryConfig      `mapstructure:"retry" yaml:"retry"`
	MCP       mcp.ServerConfig `mapstructure:"mcp" yaml:"mcp"`
	Agent     AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Pricing   usage.Rates      `mapstructure:"pricing" yaml:"pricing"`
	Serve     ServeConfig      `mapstructure:"serve" yaml:"serve"`
	Ledger    LedgerConfig     `mapstructure:"ledger" yaml:"ledger"`
	Log       LogConfig        `mapstructure:"log" yaml:"log"`

	file string // config file read by Load, if any
}

type AnthropicConfig struct {
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	Model          string        `mapstructure:"model" yaml:"model"`
	MaxTokens      int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
}

// RetryConfig controls model-call retries on rate limits and 5xx responses.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	MaxIterations    int      `mapstructure:"max_iterations" yaml:"max_iterations"`
	SummaryMaxTokens int      `mapstructure:"summary_max_tokens" yaml:"summary_max_tokens"`
	ResolveTool      string   `mapstructure:"resolve_tool" yaml:"resolve_tool"`   // tool used to resolve selected references
	StripFields      []string `mapstructure:"strip_fields" yaml:"strip_fields"`   // dropped from tool results before they enter the conversation
	ValidateArgs     bool     `mapstructure:"validate_args" yaml:"validate_args"` // check tool arguments against the input schema
}

type ServeConfig struct {
	Host        string   `mapstructure:"host" yaml:"host"`
	Port        int      `mapstructure:"port" yaml:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	Token       string   `mapstructure:"token" yaml:"token,omitempty"`
	Metrics     bool     `mapstructure:"metrics" yaml:"metrics"`
}

type LedgerConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // "" disables, "auto" uses the data dir
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 1000)
	v.SetDefault("anthropic.request_timeout", "2m")
	v.SetDefault("anthropic.base_url", "")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff", "1s")
	v.SetDefault("retry.max_backoff", "20s")

	v.SetDefault("mcp.transport", mcp.TransportSSE)
	v.SetDefault("mcp.url", "http://localhost:8000/sse")
	v.SetDefault("mcp.command", "")
	v.SetDefault("mcp.call_timeout", "60s")

	v.SetDefault("agent.max_iterations", 20)
	v.SetDefault("agent.summary_max_tokens", 200)
	v.SetDefault("agent.resolve_tool", "get_reference")
	v.SetDefault("agent.strip_fields", []string{"document"})
	v.SetDefault("agent.validate_args", true)

	rates := usage.DefaultRates()
	v.SetDefault("pricing.input", rates.Input)
	v.SetDefault("pricing.output", rates.Output)
	v.SetDefault("pricing.cache_write", rates.CacheWrite)
	v.SetDefault("pricing.cache_read", rates.CacheRead)

	v.SetDefault("serve.host", "127.0.0.1")
	v.SetDefault("serve.port", 8001)
	v.SetDefault("serve.cors_origins", []string{"http://localhost:3000", "http://localhost:3001"})
	v.SetDefault("serve.token", "")
	v.SetDefault("serve.metrics", true)

	v.SetDefault("ledger.path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.pretty", true)
}

// Load reads configuration from path (or config.yaml in the config dir and
// the working directory when path is empty), the environment and a .env
// file in the working directory.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		configPath, err := GetConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config dir: %w", err)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configPath)
		v.AddConfigPath(".")
	}

	// Read config file (optional - won't error if missing)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.file = v.ConfigFileUsed()
	resolveAnthropicCredentials(&cfg.Anthropic)
	cfg.Serve.Token = expandEnv(cfg.Serve.Token)
	for k, val := range cfg.MCP.Headers {
		cfg.MCP.Headers[k] = expandEnv(val)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values Load cannot default away.
func (c *Config) Validate() error {
	if c.Anthropic.Model == "" {
		return fmt.Errorf("anthropic.model is required")
	}
	if c.Anthropic.MaxTokens <= 0 {
		return fmt.Errorf("anthropic.max_tokens must be positive (got %d)", c.Anthropic.MaxTokens)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1 (got %d)", c.Agent.MaxIterations)
	}
	if c.Agent.SummaryMaxTokens <= 0 {
		return fmt.Errorf("agent.summary_max_tokens must be positive (got %d)", c.Agent.SummaryMaxTokens)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1 (got %d)", c.Retry.MaxAttempts)
	}
	if c.Serve.Port < 0 || c.Serve.Port > 65535 {
		return fmt.Errorf("serve.port out of range: %d", c.Serve.Port)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if err := c.Pricing.Validate(); err != nil {
		return err
	}
	return c.MCP.Validate()
}

// File returns the config file Load read, or "" when only defaults and the
// environment were used.
func (c *Config) File() string {
	return c.file
}

// ApplyOverrides applies command-line overrides. Zero values leave the
// configured value in place.
func (c *Config) ApplyOverrides(model, mcpURL string, maxIterations int) {
	if model != "" {
		c.Anthropic.Model = model
	}
	if mcpURL != "" {
		c.MCP.URL = mcpURL
		c.MCP.Command = ""
		if c.MCP.Transport == mcp.TransportStdio {
			c.MCP.Transport = ""
		}
	}
	if maxIterations > 0 {
		c.Agent.MaxIterations = maxIterations
	}
}

// RetryPolicy converts the retry section for the model wrapper.
func (c *Config) RetryPolicy() llm.RetryConfig {
	return llm.RetryConfig{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseBackoff: c.Retry.BaseBackoff,
		MaxBackoff:  c.Retry.MaxBackoff,
	}
}

// LedgerPath returns the resolved ledger location, or "" when disabled.
func (c *Config) LedgerPath() string {
	switch c.Ledger.Path {
	case "":
		return ""
	case LedgerAuto:
		return filepath.Join(GetDataDir(), "usage.db")
	default:
		return c.Ledger.Path
	}
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Anthropic.APIKey != "" {
		c.Anthropic.APIKey = redact(c.Anthropic.APIKey)
	}
	if c.Serve.Token != "" {
		c.Serve.Token = redact(c.Serve.Token)
	}
	if len(c.MCP.Headers) > 0 {
		headers := make(map[string]string, len(c.MCP.Headers))
		for k, v := range c.MCP.Headers {
			headers[k] = redact(v)
		}
		c.MCP.Headers = headers
	}
	return c
}

func redact(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// resolveAnthropicCredentials uses the config value or environment variable
func resolveAnthropicCredentials(cfg *AnthropicConfig) {
	cfg.APIKey = expandEnv(cfg.APIKey)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	cfg.BaseURL = expandEnv(cfg.BaseURL)
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for docpilot.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, appName), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", appName), nil
}

// GetDataDir returns the XDG data directory for docpilot.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, appName)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", appName)
	}
	return filepath.Join(homeDir, ".local", "share", appName)
}
