package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/textlens/textlens/internal/cache"
	"github.com/textlens/textlens/internal/engine/tesseract"
	"github.com/textlens/textlens/internal/fetch"
	"github.com/textlens/textlens/internal/pool"
	"github.com/textlens/textlens/internal/preprocess"
	"github.com/textlens/textlens/internal/queue"
)

// Config represents the complete configuration for the textlens service.
// It supports loading from configuration files, environment variables, and
// command-line flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// HTTP/WebSocket server settings (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`

	// Image download settings
	Fetch fetch.Config `mapstructure:"fetch" yaml:"fetch" json:"fetch"`

	// Result cache settings
	Cache CacheConfig `mapstructure:"cache" yaml:"cache" json:"cache"`

	// Recognition engine settings
	Engine tesseract.Config `mapstructure:"engine" yaml:"engine" json:"engine"`

	// Warm engine pool settings
	Pool PoolConfig `mapstructure:"pool" yaml:"pool" json:"pool"`

	// Job queue settings
	Queue queue.Config `mapstructure:"queue" yaml:"queue" json:"queue"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host               string `mapstructure:"host" yaml:"host" json:"host"`
	Port               int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin         string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB        int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec         int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout    int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
}

// CacheConfig controls the persisted result cache.
type CacheConfig struct {
	// Dir is the cache root directory. Empty selects an in-memory cache.
	Dir string `mapstructure:"dir" yaml:"dir" json:"dir"`
	// MaxEntries bounds the number of cached results. Zero selects the
	// store default.
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries" json:"max_entries"`
}

// PoolConfig controls the warm engine pool.
type PoolConfig struct {
	// IdleTimeoutSec is how long the engine stays warm after the last job
	// before teardown. Zero selects the pool default.
	IdleTimeoutSec int `mapstructure:"idle_timeout_sec" yaml:"idle_timeout_sec" json:"idle_timeout_sec"`
}

// IdleTimeout returns the configured idle timeout as a duration.
func (p PoolConfig) IdleTimeout() time.Duration {
	if p.IdleTimeoutSec <= 0 {
		return pool.DefaultIdleTimeout
	}
	return time.Duration(p.IdleTimeoutSec) * time.Second
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Verbose:  false,
		Server: ServerConfig{
			Host:               "localhost",
			Port:               8080,
			CORSOrigin:         "*",
			MaxUploadMB:        32,
			TimeoutSec:         120,
			ShutdownTimeout:    10,
			RateLimitPerMinute: 60,
		},
		Fetch: fetch.Config{
			TimeoutSec: 30,
			MaxBytes:   fetch.DefaultMaxBytes,
		},
		Cache: CacheConfig{
			Dir:        defaultCacheDir(),
			MaxEntries: cache.DefaultMaxEntries,
		},
		Engine: tesseract.Config{
			Languages: []string{"eng"},
		},
		Pool: PoolConfig{
			IdleTimeoutSec: int(pool.DefaultIdleTimeout.Seconds()),
		},
		Queue: queue.Config{
			QueueSize:  queue.DefaultQueueSize,
			Preprocess: preprocess.DefaultOptions(),
		},
	}
}

// defaultCacheDir resolves the user cache directory; results live under a
// textlens subdirectory. Empty on platforms without a cache dir, which
// selects the in-memory store.
func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "textlens")
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for invalid or contradictory values.
func (c *Config) Validate() error {
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level %q (must be debug, info, warn or error)", c.LogLevel)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("invalid max upload size %d MB (must be at least 1)", c.Server.MaxUploadMB)
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("invalid rate limit %d (must not be negative)", c.Server.RateLimitPerMinute)
	}
	if c.Fetch.MaxBytes < 0 {
		return fmt.Errorf("invalid fetch max bytes %d (must not be negative)", c.Fetch.MaxBytes)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("invalid cache max entries %d (must not be negative)", c.Cache.MaxEntries)
	}
	if len(c.Engine.Languages) == 0 {
		return fmt.Errorf("at least one engine language is required")
	}
	if c.Queue.QueueSize < 1 {
		return fmt.Errorf("invalid queue size %d (must be at least 1)", c.Queue.QueueSize)
	}
	if c.Queue.Preprocess.Contrast < -1 {
		return fmt.Errorf("invalid contrast %v (must not be below -1)", c.Queue.Preprocess.Contrast)
	}
	return nil
}
