// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Search    SearchConfig    `mapstructure:"search"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to PostgreSQL.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// CrawlerConfig governs the ingestion worker.
type CrawlerConfig struct {
	UserAgent           string `mapstructure:"user_agent"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	MaxErrorsPerJob     int    `mapstructure:"max_errors_per_job"`
	RatePerDomain       int    `mapstructure:"rate_per_domain"`
	ChunkWindow         int    `mapstructure:"chunk_window"`
	ChunkOverlap        int    `mapstructure:"chunk_overlap"`
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
}

// EmbeddingConfig selects the embeddings provider.
type EmbeddingConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// SearchConfig tunes the retrieval engine.
type SearchConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. Environment variables use the
// RAD prefix, e.g. RAD_DB_DSN overrides db.dsn.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key gets a default so AutomaticEnv can bind it during Unmarshal.
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("crawler.user_agent", "rad-crawler/1.0")
	v.SetDefault("crawler.poll_interval_seconds", 5)
	v.SetDefault("crawler.max_errors_per_job", 10)
	v.SetDefault("crawler.rate_per_domain", 30)
	v.SetDefault("crawler.chunk_window", 100)
	v.SetDefault("crawler.chunk_overlap", 10)
	v.SetDefault("crawler.fetch_timeout_seconds", 15)
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("search.cache_ttl_seconds", 60)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Crawler.PollIntervalSeconds <= 0 {
		return fmt.Errorf("crawler.poll_interval_seconds must be > 0")
	}
	if c.Crawler.RatePerDomain <= 0 {
		return fmt.Errorf("crawler.rate_per_domain must be > 0")
	}
	if c.Crawler.ChunkWindow <= 0 {
		return fmt.Errorf("crawler.chunk_window must be > 0")
	}
	if c.Crawler.ChunkOverlap < 0 {
		return fmt.Errorf("crawler.chunk_overlap must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PollInterval returns the worker poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Crawler.PollIntervalSeconds) * time.Second
}

// FetchTimeout returns the page fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.FetchTimeoutSeconds) * time.Second
}

// RequestTimeout returns the HTTP server request timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// CacheTTL returns the search cache TTL as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Search.CacheTTLSeconds) * time.Second
}
