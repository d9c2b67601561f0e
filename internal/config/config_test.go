package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.BaseURL != "https://api.example.com/api" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.API.Version != "v2" {
		t.Errorf("API.Version = %q, want v2", cfg.API.Version)
	}
	if cfg.API.Timeout != 15*time.Second {
		t.Errorf("API.Timeout = %v, want 15s", cfg.API.Timeout)
	}
	if cfg.API.Headers["Accept-Language"] != "en" {
		t.Errorf("API.Headers = %v", cfg.API.Headers)
	}
	if cfg.Schema.Path != "/etc/qset/openapi.yaml" || !cfg.Schema.Validate {
		t.Errorf("Schema = %+v", cfg.Schema)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Errorf("Retry.MaxAttempts = %d, want 4", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BackoffMultiplier != 2 {
		t.Errorf("Retry.BackoffMultiplier = %v, want default 2", cfg.Retry.BackoffMultiplier)
	}
	if cfg.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.ETagCache.Driver != "redis" || cfg.ETagCache.DB != 2 || cfg.ETagCache.TTL != 5*time.Minute {
		t.Errorf("ETagCache = %+v", cfg.ETagCache)
	}
	if cfg.Query.Prefetch {
		t.Error("Query.Prefetch = true, want false")
	}
	if cfg.Endpoint.Port != 9090 {
		t.Errorf("Endpoint.Port = %d, want 9090", cfg.Endpoint.Port)
	}
	if cfg.Endpoint.Path != "/api/endpoint/" {
		t.Errorf("Endpoint.Path = %q, want default", cfg.Endpoint.Path)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_base_url(t *testing.T) {
	_, err := Load("testdata/missing_base_url.yaml")
	if err == nil {
		t.Fatal("Load() without api.base_url should return error")
	}
	if !strings.Contains(err.Error(), "api.base_url") {
		t.Errorf("error = %v, want mention of api.base_url", err)
	}
}

func TestLoad_invalid_yaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("api: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.API.BulkPath != "endpoint/" {
		t.Errorf("default API.BulkPath = %q", cfg.API.BulkPath)
	}
	if cfg.ETagCache.Driver != "memory" {
		t.Errorf("default ETagCache.Driver = %q, want memory", cfg.ETagCache.Driver)
	}
	if cfg.Endpoint.Port != 8080 {
		t.Errorf("default Endpoint.Port = %d, want 8080", cfg.Endpoint.Port)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QSET_API_BASE_URL", "https://env.example.com")
	t.Setenv("QSET_API_VERSION", "v3")
	t.Setenv("QSET_SCHEMA_PATH", "/tmp/schema.json")
	t.Setenv("QSET_ENDPOINT_PORT", "3000")
	t.Setenv("QSET_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.BaseURL != "https://env.example.com" {
		t.Errorf("API.BaseURL = %q, want env override", cfg.API.BaseURL)
	}
	if cfg.API.Version != "v3" {
		t.Errorf("API.Version = %q, want env override", cfg.API.Version)
	}
	if cfg.Schema.Path != "/tmp/schema.json" {
		t.Errorf("Schema.Path = %q, want env override", cfg.Schema.Path)
	}
	if cfg.Endpoint.Port != 3000 {
		t.Errorf("Endpoint.Port = %d, want 3000 (env override)", cfg.Endpoint.Port)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestLoad_env_fills_missing_base_url(t *testing.T) {
	t.Setenv("QSET_API_BASE_URL", "https://env.example.com")
	cfg, err := Load("testdata/missing_base_url.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.BaseURL != "https://env.example.com" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port", func(c *Config) { c.Endpoint.Port = 0 }, "endpoint.port"},
		{"driver", func(c *Config) { c.ETagCache.Driver = "disk" }, "etag_cache.driver"},
		{"redis without addr", func(c *Config) { c.ETagCache.Driver = "redis" }, "etag_cache.addr_env"},
		{"attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.API.BaseURL = "http://localhost"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
