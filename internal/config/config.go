// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	API            APIConfig            `yaml:"api"`
	Schema         SchemaConfig         `yaml:"schema"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	ETagCache      ETagCacheConfig      `yaml:"etag_cache"`
	Query          QueryConfig          `yaml:"query"`
	Endpoint       EndpointConfig       `yaml:"endpoint"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

// APIConfig describes the remote REST API the client talks to.
type APIConfig struct {
	BaseURL  string            `yaml:"base_url"`
	Version  string            `yaml:"version"`
	BulkPath string            `yaml:"bulk_path"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
	// TokenEnv names the environment variable holding a bearer token.
	TokenEnv string `yaml:"token_env"`
}

// SchemaConfig describes where the API schema document is read from.
type SchemaConfig struct {
	Path     string `yaml:"path"`
	Validate bool   `yaml:"validate"`
}

// RetryConfig describes retry settings for outgoing requests.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ETagCacheConfig describes the revalidation cache for bulk GET items.
type ETagCacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// QueryConfig describes query set behaviour.
type QueryConfig struct {
	// Prefetch resolves reference fields of fetched entities with one
	// aggregated list request per field.
	Prefetch bool `yaml:"prefetch"`
}

// EndpointConfig describes the bulk endpoint server.
type EndpointConfig struct {
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	Upstream        string        `yaml:"upstream"`
	MaxOperations   int           `yaml:"max_operations"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// JWTSecretEnv names the environment variable holding the HS256 secret.
	// Authentication is disabled when it is empty.
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`
	// LogOutput is a zap sink such as stdout, stderr, or a file path.
	LogOutput string        `yaml:"log_output"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		API: APIConfig{
			Version:  "v1",
			BulkPath: "endpoint/",
			Timeout:  30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    100 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        2 * time.Second,
			IdempotentOnly:    true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
		ETagCache: ETagCacheConfig{
			Enabled:    true,
			Driver:     "memory",
			TTL:        10 * time.Minute,
			MaxEntries: 1000,
		},
		Query: QueryConfig{
			Prefetch: true,
		},
		Endpoint: EndpointConfig{
			Port:            8080,
			Path:            "/api/endpoint/",
			MaxOperations:   100,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogOutput: "stdout",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.API.BaseURL == "" {
		errs = append(errs, "api.base_url is required")
	}
	if c.API.BulkPath == "" {
		errs = append(errs, "api.bulk_path is required")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	switch c.ETagCache.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("etag_cache.driver %q must be memory or redis", c.ETagCache.Driver))
	}
	if c.ETagCache.Enabled && c.ETagCache.Driver == "redis" && c.ETagCache.AddrEnv == "" {
		errs = append(errs, "etag_cache.addr_env is required for the redis driver")
	}
	if c.Endpoint.Port < 1 || c.Endpoint.Port > 65535 {
		errs = append(errs, "endpoint.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads QSET_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QSET_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("QSET_API_VERSION"); v != "" {
		cfg.API.Version = v
	}
	if v := os.Getenv("QSET_SCHEMA_PATH"); v != "" {
		cfg.Schema.Path = v
	}
	if v := os.Getenv("QSET_ENDPOINT_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Endpoint.Port = port
		}
	}
	if v := os.Getenv("QSET_ENDPOINT_UPSTREAM"); v != "" {
		cfg.Endpoint.Upstream = v
	}
	if v := os.Getenv("QSET_ETAG_CACHE_DRIVER"); v != "" {
		cfg.ETagCache.Driver = v
	}
	if v := os.Getenv("QSET_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
