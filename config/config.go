// Package config assembles mesh configuration outside the core packages.
//
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// plus optional loading from a YAML or JSON file. The result is plain
// explicit parameters handed to constructors; the core packages (registry,
// breaker, mesh) never read environment variables themselves.
//
// Example usage:
//
//	cfg, err := config.New(
//	    config.WithSource("seer"),
//	    config.WithBreakerThreshold(3),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	reg, err := cfg.BuildRegistry()
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshwork-io/meshwork/core"
	"github.com/meshwork-io/meshwork/registry"
)

// Registry backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Duration wraps time.Duration so config files can spell durations as
// strings like "30s" or "1m30s"
type Duration time.Duration

// UnmarshalYAML parses a duration string from YAML
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON parses a duration string from JSON
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RegistryConfig selects and configures the registry backend
type RegistryConfig struct {
	Backend   string `yaml:"backend" json:"backend"`
	RedisURL  string `yaml:"redis_url" json:"redis_url"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// BreakerConfig carries the per-target circuit breaker parameters
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" json:"failure_threshold"`
	Timeout          Duration `yaml:"timeout" json:"timeout"`
}

// TransportConfig carries HTTP transport parameters
type TransportConfig struct {
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// Config holds all configuration for a mesh client
type Config struct {
	// Source is the logical name of the calling service
	Source string `yaml:"source" json:"source"`

	Registry  RegistryConfig  `yaml:"registry" json:"registry"`
	Breaker   BreakerConfig   `yaml:"breaker" json:"breaker"`
	Transport TransportConfig `yaml:"transport" json:"transport"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// fileErr carries a deferred WithConfigFile failure until New returns it
	fileErr error
}

// Option mutates a Config during construction
type Option func(*Config)

// WithSource sets the calling service's logical name
func WithSource(name string) Option {
	return func(c *Config) { c.Source = name }
}

// WithRegistryBackend selects the registry backend ("memory" or "redis")
func WithRegistryBackend(backend string) Option {
	return func(c *Config) { c.Registry.Backend = backend }
}

// WithRedisURL sets the Redis URL for the redis registry backend
func WithRedisURL(url string) Option {
	return func(c *Config) { c.Registry.RedisURL = url }
}

// WithRegistryNamespace sets the key namespace for the redis backend
func WithRegistryNamespace(ns string) Option {
	return func(c *Config) { c.Registry.Namespace = ns }
}

// WithBreakerThreshold sets the consecutive-failure threshold
func WithBreakerThreshold(n int) Option {
	return func(c *Config) { c.Breaker.FailureThreshold = n }
}

// WithBreakerTimeout sets the breaker cooldown duration
func WithBreakerTimeout(d time.Duration) Option {
	return func(c *Config) { c.Breaker.Timeout = Duration(d) }
}

// WithTransportTimeout sets the HTTP transport timeout
func WithTransportTimeout(d time.Duration) Option {
	return func(c *Config) { c.Transport.Timeout = Duration(d) }
}

// WithConfigFile loads values from a YAML or JSON file before the
// remaining options apply
func WithConfigFile(path string) Option {
	return func(c *Config) {
		// Options cannot return errors; New reports this one
		if err := c.LoadFromFile(path); err != nil {
			c.fileErr = err
		}
	}
}

// New builds a Config from defaults, environment, and options, in that order
func New(opts ...Option) (*Config, error) {
	c := defaults()
	c.applyEnv()
	for _, opt := range opts {
		opt(c)
	}
	if c.fileErr != nil {
		return nil, c.fileErr
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func defaults() *Config {
	return &Config{
		Registry: RegistryConfig{
			Backend:   BackendMemory,
			Namespace: "meshwork",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Timeout:          Duration(30 * time.Second),
		},
		Transport: TransportConfig{
			Timeout: Duration(30 * time.Second),
		},
		LogLevel: "INFO",
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MESHWORK_SOURCE"); v != "" {
		c.Source = v
	}
	if v := os.Getenv("MESHWORK_REGISTRY_BACKEND"); v != "" {
		c.Registry.Backend = v
	}
	if v := os.Getenv("MESHWORK_REDIS_URL"); v != "" {
		c.Registry.RedisURL = v
	}
	if v := os.Getenv("MESHWORK_REGISTRY_NAMESPACE"); v != "" {
		c.Registry.Namespace = v
	}
	if v := os.Getenv("MESHWORK_CB_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("MESHWORK_CB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("MESHWORK_TRANSPORT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Transport.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("MESHWORK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// LoadFromFile merges values from a YAML or JSON file into the config
func (c *Config) LoadFromFile(path string) error {
	ext := filepath.Ext(path)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %q: %w", ext, core.ErrInvalidArgument)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	return nil
}

// Validate checks the assembled configuration
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source service name is required: %w", core.ErrInvalidArgument)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive: %w", core.ErrInvalidArgument)
	}
	if c.Breaker.Timeout <= 0 {
		return fmt.Errorf("breaker timeout must be positive: %w", core.ErrInvalidArgument)
	}
	switch c.Registry.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Registry.RedisURL == "" {
			return fmt.Errorf("redis registry backend requires a redis URL: %w", core.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("unknown registry backend %q: %w", c.Registry.Backend, core.ErrInvalidArgument)
	}
	return nil
}

// BuildRegistry constructs the configured registry backend
func (c *Config) BuildRegistry() (registry.Registry, error) {
	switch c.Registry.Backend {
	case BackendRedis:
		return registry.NewRedisRegistryWithNamespace(c.Registry.RedisURL, c.Registry.Namespace)
	default:
		return registry.NewInMemoryRegistry(), nil
	}
}
