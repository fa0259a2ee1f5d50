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
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Image   ImageConfig   `mapstructure:"image"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Bulk    BulkConfig    `mapstructure:"bulk"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StorageConfig sets the on-disk root for stored images.
type StorageConfig struct {
	UploadsPath string `mapstructure:"uploads_path"`
}

// ImageConfig governs normalization of stored images.
type ImageConfig struct {
	// MaxUploadSize is the bounding dimension (pixels) for uploaded images.
	MaxUploadSize int `mapstructure:"max_upload_size"`
	// MaxFetchSize is the bounding dimension (pixels) for fetched images.
	MaxFetchSize int `mapstructure:"max_fetch_size"`
	JPEGQuality  int `mapstructure:"jpeg_quality"`
}

// FetchConfig configures the outbound fetch client.
type FetchConfig struct {
	// MaxBytes is the hard ceiling on a single downloaded response body.
	MaxBytes       int64   `mapstructure:"max_bytes"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRetries     int     `mapstructure:"max_retries"`
	FallbackDirect bool    `mapstructure:"fallback_direct"`
	UserAgent      string  `mapstructure:"user_agent"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
}

// ProxyConfig defines upstream proxy pools and their health policy.
type ProxyConfig struct {
	// Pools maps pool name to inline proxy endpoint URIs.
	Pools map[string][]string `mapstructure:"pools"`
	// PoolFiles maps pool name to a line-delimited proxy list file,
	// merged with any inline entries of the same name.
	PoolFiles           map[string]string `mapstructure:"pool_files"`
	Strategy            string            `mapstructure:"strategy"`
	BlacklistThreshold  int               `mapstructure:"blacklist_threshold"`
	BlacklistTTLSeconds int               `mapstructure:"blacklist_ttl_seconds"`
}

// BulkConfig bounds concurrency for bulk proxy requests.
type BulkConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIXVAULT")
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
	v.SetDefault("storage.uploads_path", "data/uploads")
	v.SetDefault("image.max_upload_size", 1200)
	v.SetDefault("image.max_fetch_size", 800)
	v.SetDefault("image.jpeg_quality", 85)
	v.SetDefault("fetch.max_bytes", 10*1024*1024)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.fallback_direct", true)
	v.SetDefault("fetch.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	v.SetDefault("fetch.per_host_rps", 0)
	v.SetDefault("proxy.strategy", "round-robin")
	v.SetDefault("proxy.blacklist_threshold", 3)
	v.SetDefault("proxy.blacklist_ttl_seconds", 300)
	v.SetDefault("bulk.concurrency", 5)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Storage.UploadsPath) == "" {
		return fmt.Errorf("storage.uploads_path must be set")
	}
	if c.Image.MaxUploadSize <= 0 {
		return fmt.Errorf("image.max_upload_size must be > 0")
	}
	if c.Image.MaxFetchSize <= 0 {
		return fmt.Errorf("image.max_fetch_size must be > 0")
	}
	if c.Image.JPEGQuality <= 0 || c.Image.JPEGQuality > 100 {
		return fmt.Errorf("image.jpeg_quality must be in (0, 100]")
	}
	if c.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("fetch.max_bytes must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Proxy.Strategy != "round-robin" {
		return fmt.Errorf("proxy.strategy %q is not supported", c.Proxy.Strategy)
	}
	if c.Proxy.BlacklistThreshold <= 0 {
		return fmt.Errorf("proxy.blacklist_threshold must be > 0")
	}
	if c.Proxy.BlacklistTTLSeconds <= 0 {
		return fmt.Errorf("proxy.blacklist_ttl_seconds must be > 0")
	}
	if c.Bulk.Concurrency <= 0 {
		return fmt.Errorf("bulk.concurrency must be > 0")
	}
	return nil
}

// FetchTimeout converts the configured fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// BlacklistTTL converts the configured blacklist TTL into a duration.
func (c Config) BlacklistTTL() time.Duration {
	return time.Duration(c.Proxy.BlacklistTTLSeconds) * time.Second
}
