package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for crossquery.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Reasoner     ReasonerConfig     `yaml:"reasoner"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Cache        CacheConfig        `yaml:"cache"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Providers    string             `yaml:"providers"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type ServerConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	RequestDeadlineSeconds int    `yaml:"request_deadline_seconds"`

	// TrustProxy controls whether X-Forwarded-For is honoured when deriving
	// rate-limit keys for anonymous callers.
	TrustProxy bool `yaml:"trust_proxy"`
}

// RequestDeadline returns the per-request wall clock budget.
func (c ServerConfig) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineSeconds) * time.Second
}

type AuthConfig struct {
	Enabled     bool              `yaml:"enabled"`
	JWTSecret   string            `yaml:"jwt_secret"`
	TokenExpiry time.Duration     `yaml:"token_expiry"`
	APIKeys     map[string]string `yaml:"api_keys"`
}

type ReasonerConfig struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	MaxIterations int    `yaml:"max_iterations"`
	MaxTokens     int    `yaml:"max_tokens"`
}

type OrchestratorConfig struct {
	MaxConcurrentLegs          int     `yaml:"max_concurrent_legs"`
	ToolCallTimeoutSeconds     int     `yaml:"tool_call_timeout_seconds"`
	MaxSourcesDefault          int     `yaml:"max_sources_default"`
	ConfidenceThresholdDefault float64 `yaml:"confidence_threshold_default"`
}

// ToolCallTimeout returns the per-tool-call budget.
func (c OrchestratorConfig) ToolCallTimeout() time.Duration {
	return time.Duration(c.ToolCallTimeoutSeconds) * time.Second
}

type BreakerConfig struct {
	FailureThreshold   int      `yaml:"failure_threshold"`
	SuccessThreshold   int      `yaml:"success_threshold"`
	OpenTimeoutSeconds int      `yaml:"open_timeout_seconds"`
	ExcludedErrors     []string `yaml:"excluded_errors"`
}

// OpenTimeout returns how long an open breaker waits before probing.
func (c BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutSeconds) * time.Second
}

type CacheConfig struct {
	Backend           string      `yaml:"backend"`
	MaxEntries        int         `yaml:"max_entries"`
	ToolsTTLSeconds   int         `yaml:"tools_ttl_seconds"`
	ResultsTTLSeconds int         `yaml:"results_ttl_seconds"`
	SchemaTTLSeconds  int         `yaml:"schema_ttl_seconds"`
	SessionTTLSeconds int         `yaml:"session_ttl_seconds"`
	Redis             RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RateLimitConfig struct {
	Enabled       bool     `yaml:"enabled"`
	PerMinute     int      `yaml:"per_minute"`
	PerHour       int      `yaml:"per_hour"`
	ExcludedPaths []string `yaml:"excluded_paths"`
}

type GatewayConfig struct {
	SessionIdleSeconds  int      `yaml:"session_idle_seconds"`
	Prewarm             []string `yaml:"prewarm"`
	MaintenanceSchedule string   `yaml:"maintenance_schedule"`
	PayloadCapBytes     int      `yaml:"payload_cap_bytes"`
}

// SessionIdle returns the idle age after which provider sessions are evicted.
func (c GatewayConfig) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleSeconds) * time.Second
}

type CredentialsConfig struct {
	// Source selects where credentials come from: "static" (inline below) or
	// "env" (CROSSQUERY_CRED_<PROVIDER>_<KEY> variables).
	Source string `yaml:"source"`
	// Static maps principal id -> provider id -> credential map. Useful for
	// single-tenant deployments and tests.
	Static map[string]map[string]map[string]string `yaml:"static"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
	// Insecure disables TLS on the OTLP connection, for local collectors.
	Insecure bool `yaml:"insecure"`
}

// Load reads and parses the configuration file. Environment references like
// ${VAR} are expanded before parsing; unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no file
// input. Used by tests and by serve when no config path is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestDeadlineSeconds == 0 {
		cfg.Server.RequestDeadlineSeconds = 120
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Reasoner.Provider == "" {
		cfg.Reasoner.Provider = "openai"
	}
	if cfg.Reasoner.MaxIterations == 0 {
		cfg.Reasoner.MaxIterations = 10
	}
	if cfg.Reasoner.MaxTokens == 0 {
		cfg.Reasoner.MaxTokens = 4096
	}
	if cfg.Orchestrator.MaxConcurrentLegs == 0 {
		cfg.Orchestrator.MaxConcurrentLegs = 3
	}
	if cfg.Orchestrator.ToolCallTimeoutSeconds == 0 {
		cfg.Orchestrator.ToolCallTimeoutSeconds = 60
	}
	if cfg.Orchestrator.MaxSourcesDefault == 0 {
		cfg.Orchestrator.MaxSourcesDefault = 3
	}
	if cfg.Orchestrator.ConfidenceThresholdDefault == 0 {
		cfg.Orchestrator.ConfidenceThresholdDefault = 0.5
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 3
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Breaker.OpenTimeoutSeconds == 0 {
		cfg.Breaker.OpenTimeoutSeconds = 60
	}
	if cfg.Breaker.ExcludedErrors == nil {
		cfg.Breaker.ExcludedErrors = []string{"VALIDATION_ERROR"}
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 10000
	}
	if cfg.Cache.ToolsTTLSeconds == 0 {
		cfg.Cache.ToolsTTLSeconds = 300
	}
	if cfg.Cache.ResultsTTLSeconds == 0 {
		cfg.Cache.ResultsTTLSeconds = 30
	}
	if cfg.Cache.SchemaTTLSeconds == 0 {
		cfg.Cache.SchemaTTLSeconds = 600
	}
	if cfg.Cache.SessionTTLSeconds == 0 {
		cfg.Cache.SessionTTLSeconds = 86400
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 60
	}
	if cfg.RateLimit.PerHour == 0 {
		cfg.RateLimit.PerHour = 1000
	}
	if cfg.RateLimit.ExcludedPaths == nil {
		cfg.RateLimit.ExcludedPaths = []string{"/healthz", "/metrics"}
	}
	if cfg.Gateway.SessionIdleSeconds == 0 {
		cfg.Gateway.SessionIdleSeconds = 900
	}
	if cfg.Gateway.MaintenanceSchedule == "" {
		cfg.Gateway.MaintenanceSchedule = "@every 60s"
	}
	if cfg.Gateway.PayloadCapBytes == 0 {
		cfg.Gateway.PayloadCapBytes = 65536
	}
	if cfg.Credentials.Source == "" {
		cfg.Credentials.Source = "static"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "crossquery"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1.0
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Reasoner.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("reasoner.provider %q not supported (openai, anthropic)", c.Reasoner.Provider)
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.JWTSecret) == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.enabled requires auth.jwt_secret or auth.api_keys")
	}
	if c.Orchestrator.MaxConcurrentLegs < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_legs must be at least 1")
	}
	if c.Orchestrator.MaxSourcesDefault < 1 || c.Orchestrator.MaxSourcesDefault > 5 {
		return fmt.Errorf("orchestrator.max_sources_default must be in [1,5]")
	}
	if t := c.Orchestrator.ConfidenceThresholdDefault; t < 0 || t > 1 {
		return fmt.Errorf("orchestrator.confidence_threshold_default must be in [0,1]")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend %q not supported (memory, redis)", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && strings.TrimSpace(c.Cache.Redis.Addr) == "" {
		return fmt.Errorf("cache.backend redis requires cache.redis.addr")
	}
	if c.Credentials.Source != "static" && c.Credentials.Source != "env" {
		return fmt.Errorf("credentials.source %q not supported (static, env)", c.Credentials.Source)
	}
	return nil
}
