package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
db:
  dsn: postgres://localhost:5432/rad
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Crawler.ChunkWindow != 100 || cfg.Crawler.ChunkOverlap != 10 {
		t.Fatalf("expected default chunking 100/10, got %d/%d",
			cfg.Crawler.ChunkWindow, cfg.Crawler.ChunkOverlap)
	}
	if cfg.Crawler.RatePerDomain != 30 {
		t.Fatalf("expected default rate 30, got %d", cfg.Crawler.RatePerDomain)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" {
		t.Fatalf("expected default embedding model, got %q", cfg.Embedding.Model)
	}
	if got := cfg.PollInterval(); got != 5*time.Second {
		t.Fatalf("expected poll interval 5s, got %v", got)
	}
	if got := cfg.CacheTTL(); got != time.Minute {
		t.Fatalf("expected cache TTL 60s, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  timeout_seconds: 45
auth:
  enabled: true
  api_key: secret
db:
  dsn: postgres://localhost:5432/rad
crawler:
  user_agent: real-agent
  poll_interval_seconds: 2
  max_errors_per_job: 3
  rate_per_domain: 60
  chunk_window: 50
  chunk_overlap: 5
embedding:
  api_key: sk-test
  base_url: http://localhost:9999/v1
  model: custom-model
search:
  cache_ttl_seconds: 30
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.UserAgent != "real-agent" || cfg.Crawler.RatePerDomain != 60 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Embedding.BaseURL != "http://localhost:9999/v1" || cfg.Embedding.Model != "custom-model" {
		t.Fatalf("expected embedding overrides to apply: %+v", cfg.Embedding)
	}
	if !cfg.Logging.Development {
		t.Fatalf("expected development logging enabled")
	}
	if got := cfg.RequestTimeout(); got != 45*time.Second {
		t.Fatalf("expected request timeout 45s, got %v", got)
	}
	if got := cfg.CacheTTL(); got != 30*time.Second {
		t.Fatalf("expected cache TTL 30s, got %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read config error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		DB:     DBConfig{DSN: "postgres://localhost/rad"},
		Crawler: CrawlerConfig{
			PollIntervalSeconds: 5,
			RatePerDomain:       30,
			ChunkWindow:         100,
			ChunkOverlap:        10,
		},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "missing dsn",
			cfg: func() Config {
				c := base
				c.DB.DSN = ""
				return c
			}(),
			want: "db.dsn",
		},
		{
			name: "invalid poll interval",
			cfg: func() Config {
				c := base
				c.Crawler.PollIntervalSeconds = 0
				return c
			}(),
			want: "poll_interval_seconds",
		},
		{
			name: "invalid rate",
			cfg: func() Config {
				c := base
				c.Crawler.RatePerDomain = 0
				return c
			}(),
			want: "rate_per_domain",
		},
		{
			name: "invalid chunk window",
			cfg: func() Config {
				c := base
				c.Crawler.ChunkWindow = 0
				return c
			}(),
			want: "chunk_window",
		},
		{
			name: "negative chunk overlap",
			cfg: func() Config {
				c := base
				c.Crawler.ChunkOverlap = -1
				return c
			}(),
			want: "chunk_overlap",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
