// Package config loads and validates edgefetch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Rotation RotationConfig `mapstructure:"rotation"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Publish  PublishConfig  `mapstructure:"publish"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	APIKey                string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RotationConfig governs the gateway endpoint pools and request signing.
// EndpointsJSON is the JSON endpoint map keyed by target domain; it stays a
// string so the whole config can arrive through the environment.
type RotationConfig struct {
	EndpointsJSON      string    `mapstructure:"endpoints_json"`
	AuthType           string    `mapstructure:"auth_type"`
	APIKeyHeader       string    `mapstructure:"api_key_header"`
	IAM                IAMConfig `mapstructure:"iam"`
	DefaultTimeoutMs   int       `mapstructure:"default_timeout_ms"`
	DoubleEncodeParams []string  `mapstructure:"double_encode_params"`
}

// IAMConfig holds SigV4 credential material.
type IAMConfig struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
}

// BatchConfig bounds one batch invocation.
type BatchConfig struct {
	Concurrency    int   `mapstructure:"concurrency"`
	MaxSubrequests int   `mapstructure:"max_subrequests"`
	MaxMemoryBytes int64 `mapstructure:"max_memory_bytes"`
}

// FetchConfig controls direct fetch behavior.
type FetchConfig struct {
	UserAgent    string  `mapstructure:"user_agent"`
	PerDomainRPS float64 `mapstructure:"per_domain_rps"`
	Burst        int     `mapstructure:"burst"`
}

// HeadlessConfig configures the headless fallback subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// CacheConfig selects the proxy-path response cache.
type CacheConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Provider    string `mapstructure:"provider"`
	TTLSeconds  int    `mapstructure:"ttl_seconds"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Table       string `mapstructure:"table"`
}

// ArchiveConfig controls post-batch body persistence.
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	BaseDir  string `mapstructure:"base_dir"`
	Prefix   string `mapstructure:"prefix"`
}

// PublishConfig selects the batch completion event publisher.
type PublishConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EDGEFETCH")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 300)
	v.SetDefault("logging.development", false)
	v.SetDefault("rotation.auth_type", "api_key")
	v.SetDefault("rotation.api_key_header", "x-api-key")
	v.SetDefault("rotation.default_timeout_ms", 3000)
	v.SetDefault("rotation.double_encode_params", []string{"word"})
	v.SetDefault("batch.concurrency", 6)
	v.SetDefault("batch.max_subrequests", 1000)
	v.SetDefault("batch.max_memory_bytes", int64(100*1024*1024))
	v.SetDefault("fetch.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("fetch.per_domain_rps", 0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 20)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.provider", "memory")
	v.SetDefault("cache.ttl_seconds", 600)
	v.SetDefault("cache.table", "fetch_cache")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.provider", "memory")
	v.SetDefault("archive.prefix", "batches")
	v.SetDefault("publish.provider", "memory")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	switch c.Rotation.AuthType {
	case "api_key":
	case "iam":
		if c.Rotation.IAM.AccessKeyID == "" || c.Rotation.IAM.SecretAccessKey == "" || c.Rotation.IAM.Region == "" {
			return fmt.Errorf("rotation.iam credentials are required when rotation.auth_type is iam")
		}
	default:
		return fmt.Errorf("rotation.auth_type must be api_key or iam, got %q", c.Rotation.AuthType)
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be > 0")
	}
	if c.Batch.MaxSubrequests <= 0 {
		return fmt.Errorf("batch.max_subrequests must be > 0")
	}
	if c.Batch.MaxMemoryBytes <= 0 {
		return fmt.Errorf("batch.max_memory_bytes must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Cache.Provider {
	case "memory":
	case "postgres":
		if c.Cache.Enabled && c.Cache.PostgresDSN == "" {
			return fmt.Errorf("cache.postgres_dsn is required when cache.provider is postgres")
		}
	default:
		return fmt.Errorf("cache.provider must be memory or postgres, got %q", c.Cache.Provider)
	}
	switch c.Archive.Provider {
	case "memory":
	case "gcs":
		if c.Archive.Enabled && c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive.provider is gcs")
		}
	case "local":
		if c.Archive.Enabled && c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required when archive.provider is local")
		}
	default:
		return fmt.Errorf("archive.provider must be memory, gcs, or local, got %q", c.Archive.Provider)
	}
	switch c.Publish.Provider {
	case "memory":
	case "pubsub":
		if c.Publish.ProjectID == "" || c.Publish.TopicID == "" {
			return fmt.Errorf("publish.project_id and publish.topic_id are required when publish.provider is pubsub")
		}
	default:
		return fmt.Errorf("publish.provider must be memory or pubsub, got %q", c.Publish.Provider)
	}
	return nil
}

// RequestTimeout converts the middleware timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// DefaultDispatchTimeout converts the rotation timeout into a duration.
func (c Config) DefaultDispatchTimeout() time.Duration {
	return time.Duration(c.Rotation.DefaultTimeoutMs) * time.Millisecond
}

// CacheTTL converts the proxy cache TTL into a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
