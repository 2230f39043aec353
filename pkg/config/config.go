// Package config defines the runtime configuration and its YAML loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server,omitempty"`
	Database      DatabaseConfig      `yaml:"database,omitempty"`
	Auth          AuthConfig          `yaml:"auth,omitempty"`
	LLM           LLMConfig           `yaml:"llm,omitempty"`
	Runtime       RuntimeConfig       `yaml:"runtime,omitempty"`
	Artifacts     ArtifactsConfig     `yaml:"artifacts,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
	Logging       LoggingConfig       `yaml:"logging,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// ReadHeaderTimeout guards against slowloris on the listener.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// DatabaseConfig configures the optional relational store.
// When URL is empty the DATABASE_URL environment variable is consulted;
// when neither is set the process runs in degraded mode (no persistence).
type DatabaseConfig struct {
	// Driver is one of sqlite, postgres, mysql. Inferred from URL if empty.
	Driver string `yaml:"driver,omitempty"`

	// URL is the connection string (file path for sqlite).
	URL string `yaml:"url,omitempty"`

	MaxConns int `yaml:"max_conns,omitempty"`
	MaxIdle  int `yaml:"max_idle,omitempty"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = os.Getenv("DATABASE_URL")
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 2
	}
}

// AuthConfig configures bearer token issuance and API keys.
type AuthConfig struct {
	// Enabled turns on authentication for all endpoints except /auth/login
	// and /healthz.
	Enabled bool `yaml:"enabled,omitempty"`

	// JWTSecret signs login-issued tokens (HS256).
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// TokenTTL bounds the lifetime of login-issued tokens.
	TokenTTL time.Duration `yaml:"token_ttl,omitempty"`

	// Issuer and Audience are stamped into and validated on every token.
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`

	// Users are the static login credentials.
	Users []UserConfig `yaml:"users,omitempty"`
}

// UserConfig is a static login credential.
type UserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role,omitempty"`
}

func (c *AuthConfig) SetDefaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = time.Hour
	}
	if c.Issuer == "" {
		c.Issuer = "maestro"
	}
	if c.Audience == "" {
		c.Audience = "maestro-api"
	}
}

func (c *AuthConfig) Validate() error {
	if c.Enabled && c.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

// LLMConfig configures the default model provider.
type LLMConfig struct {
	// Provider selects the registered provider ("openai" covers any
	// OpenAI-compatible endpoint).
	Provider string `yaml:"provider,omitempty"`

	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`

	Model       string        `yaml:"model,omitempty"`
	Temperature float64       `yaml:"temperature,omitempty"`
	MaxTokens   int           `yaml:"max_tokens,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
}

// RuntimeConfig holds orchestration tunables.
type RuntimeConfig struct {
	// TurnDeadline is the hard wall-clock limit per chat turn.
	TurnDeadline time.Duration `yaml:"turn_deadline,omitempty"`

	// MaxLoopIterations caps loop team iterations per turn.
	MaxLoopIterations int `yaml:"max_loop_iterations,omitempty"`

	// MaxToolPasses caps LLM call / tool execution rounds per leaf turn.
	MaxToolPasses int `yaml:"max_tool_passes,omitempty"`

	// ParallelMergeBuffer sizes the merge channel of parallel teams.
	ParallelMergeBuffer int `yaml:"parallel_merge_buffer,omitempty"`

	// CancelGracePeriod bounds the wait for children after cancellation.
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period,omitempty"`
}

func (c *RuntimeConfig) SetDefaults() {
	if c.TurnDeadline == 0 {
		c.TurnDeadline = 120 * time.Second
	}
	if c.MaxLoopIterations == 0 {
		c.MaxLoopIterations = 8
	}
	if c.MaxToolPasses == 0 {
		c.MaxToolPasses = 10
	}
	if c.ParallelMergeBuffer == 0 {
		c.ParallelMergeBuffer = 64
	}
	if c.CancelGracePeriod == 0 {
		c.CancelGracePeriod = 5 * time.Second
	}
}

func (c *RuntimeConfig) Validate() error {
	if c.MaxLoopIterations < 1 {
		return fmt.Errorf("runtime.max_loop_iterations must be >= 1")
	}
	if c.MaxToolPasses < 1 {
		return fmt.Errorf("runtime.max_tool_passes must be >= 1")
	}
	return nil
}

// ArtifactsConfig configures the generated-artifact directory.
type ArtifactsConfig struct {
	Dir string `yaml:"dir,omitempty"`

	// AllowedExtensions whitelists servable file extensions.
	AllowedExtensions []string `yaml:"allowed_extensions,omitempty"`
}

func (c *ArtifactsConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = "generated"
	}
	if len(c.AllowedExtensions) == 0 {
		c.AllowedExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".txt", ".json", ".csv", ".md"}
	}
}

// ObservabilityConfig toggles tracing and metrics.
type ObservabilityConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled,omitempty"`
	MetricsEnabled bool   `yaml:"metrics_enabled,omitempty"`
	ServiceName    string `yaml:"service_name,omitempty"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "maestro"
	}
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	File   string `yaml:"file,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Auth.SetDefaults()
	c.LLM.SetDefaults()
	c.Runtime.SetDefaults()
	c.Artifacts.SetDefaults()
	c.Observability.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	return c.Runtime.Validate()
}

// Default returns a config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Load reads a YAML config file, expands environment references, applies
// defaults and validates. An empty path yields the default config.
func Load(path string) (*Config, error) {
	LoadEnvFiles()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
