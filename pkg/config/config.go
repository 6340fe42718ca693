package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/conductor/internal/circuit"
	"github.com/aixgo-dev/conductor/internal/executor"
	tracing "github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/internal/orchestrator"
	"github.com/aixgo-dev/conductor/internal/ratelimit"
	"github.com/aixgo-dev/conductor/internal/scheduler"
	"github.com/aixgo-dev/conductor/internal/workflow"
	"github.com/aixgo-dev/conductor/pkg/cache"
)

// maxConfigSize bounds the config file read by LoadConfig.
const maxConfigSize = 1 << 20

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config represents the application configuration
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text, json

	Orchestrator  OrchestratorConfig     `yaml:"orchestrator"`
	Cache         CacheConfig            `yaml:"cache"`
	Observability ObservabilityConfig    `yaml:"observability"`
	Agents        map[string]AgentConfig `yaml:"agents"`

	// Workflows are registered next to the built-in catalog. A workflow with
	// a built-in id replaces it.
	Workflows []*workflow.Definition `yaml:"workflows"`
	Schedules []scheduler.Schedule   `yaml:"schedules"`
}

// OrchestratorConfig holds execution settings
type OrchestratorConfig struct {
	MaxRetries     int             `yaml:"max_retries"`
	BackoffUnit    time.Duration   `yaml:"backoff_unit"`
	Jitter         bool            `yaml:"jitter"`
	StepTimeout    time.Duration   `yaml:"step_timeout"`
	MaxRunning     int             `yaml:"max_running"`
	MapConcurrency int             `yaml:"map_concurrency"`
	CircuitBreaker circuit.Config  `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-agent token bucket settings
type RateLimitConfig struct {
	Enabled bool                       `yaml:"enabled"`
	Default ratelimit.Limit            `yaml:"default"`
	Agents  map[string]ratelimit.Limit `yaml:"agents"`
}

// CacheConfig selects the workflow result cache
type CacheConfig struct {
	Backend    string            `yaml:"backend"` // none, memory, redis
	MaxEntries int               `yaml:"max_entries"`
	Redis      cache.RedisConfig `yaml:"redis"`
}

// ObservabilityConfig holds metrics and tracing settings
type ObservabilityConfig struct {
	MetricsPort int            `yaml:"metrics_port"`
	Tracing     tracing.Config `yaml:"tracing"`
}

// AgentConfig holds configuration for a single agent
type AgentConfig struct {
	Disabled  bool           `yaml:"disabled"`
	DependsOn []string       `yaml:"depends_on"`
	Settings  map[string]any `yaml:"settings"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	policy := executor.DefaultPolicy()
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Orchestrator: OrchestratorConfig{
			MaxRetries:     policy.MaxRetries,
			BackoffUnit:    policy.BackoffUnit,
			StepTimeout:    orchestrator.DefaultStepTimeout,
			MaxRunning:     workflow.DefaultMaxRunning,
			MapConcurrency: orchestrator.DefaultMapConcurrency,
			CircuitBreaker: circuit.DefaultConfig(),
		},
		Cache: CacheConfig{
			Backend:    CacheMemory,
			MaxEntries: 1024,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			Tracing:     tracing.Config{ServiceName: tracing.DefaultServiceName, Exporter: "none"},
		},
	}
}

// LoadConfig loads configuration from a YAML file. Fields missing from the
// file keep their defaults and environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file too large: more than %d bytes", maxConfigSize)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load returns the defaults with environment overrides when path is empty,
// and LoadConfig(path) otherwise.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadConfig(path)
	}
	cfg := Default()
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// ApplyEnv applies CONDUCTOR_* and OTEL_* environment overrides.
func (c *Config) ApplyEnv() {
	if addr := os.Getenv("CONDUCTOR_REDIS_ADDR"); addr != "" {
		c.Cache.Backend = CacheRedis
		c.Cache.Redis.Addr = addr
	}
	if pw := os.Getenv("CONDUCTOR_REDIS_PASSWORD"); pw != "" {
		c.Cache.Redis.Password = pw
	}
	if port := os.Getenv("CONDUCTOR_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Observability.MetricsPort = p
		}
	}
	if lvl := os.Getenv("CONDUCTOR_LOG_LEVEL"); lvl != "" {
		c.LogLevel = lvl
	}
	c.Observability.Tracing = c.Observability.Tracing.ApplyEnv()
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}

	o := c.Orchestrator
	if o.MaxRetries < 0 {
		errs = append(errs, errors.New("orchestrator.max_retries must not be negative"))
	}
	if o.StepTimeout < 0 || o.BackoffUnit < 0 {
		errs = append(errs, errors.New("orchestrator durations must not be negative"))
	}
	if o.MaxRunning < 0 || o.MapConcurrency < 0 {
		errs = append(errs, errors.New("orchestrator limits must not be negative"))
	}

	switch c.Cache.Backend {
	case "", CacheNone, CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	if p := c.Observability.MetricsPort; p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("observability.metrics_port out of range: %d", p))
	}

	for _, w := range c.Workflows {
		if w == nil {
			errs = append(errs, errors.New("empty workflow entry"))
			continue
		}
		if err := w.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]bool, len(c.Schedules))
	for _, s := range c.Schedules {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate schedule %q", s.Name))
		}
		seen[s.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy returns the orchestrator retry policy.
func (c *Config) Policy() executor.Policy {
	return executor.Policy{
		MaxRetries:  c.Orchestrator.MaxRetries,
		BackoffUnit: c.Orchestrator.BackoffUnit,
		Jitter:      c.Orchestrator.Jitter,
	}
}

// Logger builds a logger writing to w at the configured level and format.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}
