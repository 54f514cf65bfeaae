// Package config provides configuration management for the folio storage layer.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
}

// Addr returns the listen address in host:port format.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds settings for the three persistence variants.
type StorageConfig struct {
	Durable DurableConfig `mapstructure:"durable"`
	KV      KVConfig      `mapstructure:"kv"`
	Memory  MemoryConfig  `mapstructure:"memory"`
}

// DurableConfig holds the durable database (SQLite) settings.
type DurableConfig struct {
	// Enabled allows the durable backend to be probed at all.
	Enabled bool `mapstructure:"enabled"`

	Path            string `mapstructure:"path"`             // Path to SQLite database file
	JournalMode     string `mapstructure:"journal_mode"`     // WAL, DELETE, TRUNCATE, etc.
	BusyTimeout     int    `mapstructure:"busy_timeout"`     // Milliseconds to wait for locks
	CacheSize       int    `mapstructure:"cache_size"`       // Page cache size (negative = KB)
	SynchronousMode string `mapstructure:"synchronous_mode"` // NORMAL, FULL, OFF

	// EstimatedQuota is the byte quota usage is measured against.
	EstimatedQuota int64 `mapstructure:"estimated_quota"`
}

// KVConfig holds the string-only key-value backend settings.
type KVConfig struct {
	// Enabled allows the KV backend to be probed at all.
	Enabled bool `mapstructure:"enabled"`

	// Driver is "redis" or "memory".
	Driver string `mapstructure:"driver"`

	// Prefix namespaces every key written by the backend.
	Prefix string `mapstructure:"prefix"`

	// Capacity is the fixed capacity estimate in bytes.
	Capacity int64 `mapstructure:"capacity"`

	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MemoryConfig holds the volatile backend settings.
type MemoryConfig struct {
	// Capacity is the nominal capacity usage is reported against.
	Capacity int64 `mapstructure:"capacity"`
}

// ProcessorConfig holds file validation and processing settings.
type ProcessorConfig struct {
	Documents   CategoryConfig    `mapstructure:"documents"`
	Videos      CategoryConfig    `mapstructure:"videos"`
	Compression CompressionConfig `mapstructure:"compression"`
}

// CategoryConfig holds per-category limits.
type CategoryConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

// CompressionConfig holds image compression settings.
type CompressionConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	MaxWidth  int     `mapstructure:"max_width"`
	MaxHeight int     `mapstructure:"max_height"`
	Quality   float64 `mapstructure:"quality"`
}

// QuotaConfig holds usage thresholds in percent.
type QuotaConfig struct {
	WarningThreshold float64 `mapstructure:"warning_threshold"`
	ErrorThreshold   float64 `mapstructure:"error_threshold"`
}

// RecoveryConfig holds retry and automatic recovery settings.
type RecoveryConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	AutoDeleteCorrupted bool          `mapstructure:"auto_delete_corrupted"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled determines if metrics collection is active.
	Enabled bool `mapstructure:"enabled"`

	// Path is the URL path for the metrics endpoint.
	Path string `mapstructure:"path"`
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with FOLIO_ and use _ as separator.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FOLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/folio")
	}

	// Config file is optional - environment variables can be used instead
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration built from defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_size", 160*1024*1024) // 160MB

	// Durable storage defaults
	v.SetDefault("storage.durable.enabled", true)
	v.SetDefault("storage.durable.path", "./data/folio.db")
	v.SetDefault("storage.durable.journal_mode", "WAL")
	v.SetDefault("storage.durable.busy_timeout", 5000)
	v.SetDefault("storage.durable.cache_size", -2000)
	v.SetDefault("storage.durable.synchronous_mode", "NORMAL")
	v.SetDefault("storage.durable.estimated_quota", 2*1024*1024*1024) // 2GB

	// KV storage defaults
	v.SetDefault("storage.kv.enabled", true)
	v.SetDefault("storage.kv.driver", "redis")
	v.SetDefault("storage.kv.prefix", "folio_")
	v.SetDefault("storage.kv.capacity", 5*1024*1024) // 5MB
	v.SetDefault("storage.kv.redis.host", "localhost")
	v.SetDefault("storage.kv.redis.port", 6379)
	v.SetDefault("storage.kv.redis.password", "")
	v.SetDefault("storage.kv.redis.db", 0)
	v.SetDefault("storage.kv.redis.pool_size", 10)
	v.SetDefault("storage.kv.redis.dial_timeout", 5*time.Second)

	// Memory storage defaults
	v.SetDefault("storage.memory.capacity", 1024*1024*1024) // 1GB

	// Processor defaults
	v.SetDefault("processor.documents.max_size", 10*1024*1024) // 10MB
	v.SetDefault("processor.documents.allowed_types", []string{
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"text/plain",
		"image/jpeg",
		"image/png",
		"image/gif",
	})
	v.SetDefault("processor.videos.max_size", 150*1024*1024) // 150MB
	v.SetDefault("processor.videos.allowed_types", []string{
		"video/mp4",
		"video/webm",
		"video/ogg",
		"video/quicktime",
	})
	v.SetDefault("processor.compression.enabled", true)
	v.SetDefault("processor.compression.max_width", 1920)
	v.SetDefault("processor.compression.max_height", 1080)
	v.SetDefault("processor.compression.quality", 0.8)

	// Quota defaults
	v.SetDefault("quota.warning_threshold", 80.0)
	v.SetDefault("quota.error_threshold", 95.0)

	// Recovery defaults
	v.SetDefault("recovery.max_retries", 3)
	v.SetDefault("recovery.base_delay", 100*time.Millisecond)
	v.SetDefault("recovery.max_delay", 5*time.Second)
	v.SetDefault("recovery.auto_delete_corrupted", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for required values and valid ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if c.Storage.Durable.Enabled {
		if c.Storage.Durable.Path == "" {
			return fmt.Errorf("storage.durable.path is required when the durable backend is enabled")
		}
		if c.Storage.Durable.EstimatedQuota <= 0 {
			return fmt.Errorf("storage.durable.estimated_quota must be positive")
		}
	}

	if c.Storage.KV.Enabled {
		validDrivers := map[string]bool{"redis": true, "memory": true}
		if !validDrivers[c.Storage.KV.Driver] {
			return fmt.Errorf("storage.kv.driver must be 'redis' or 'memory'")
		}
		if c.Storage.KV.Capacity <= 0 {
			return fmt.Errorf("storage.kv.capacity must be positive")
		}
	}

	if c.Storage.Memory.Capacity <= 0 {
		return fmt.Errorf("storage.memory.capacity must be positive")
	}

	for name, cat := range map[string]CategoryConfig{
		"documents": c.Processor.Documents,
		"videos":    c.Processor.Videos,
	} {
		if cat.MaxSize <= 0 {
			return fmt.Errorf("processor.%s.max_size must be positive", name)
		}
		if len(cat.AllowedTypes) == 0 {
			return fmt.Errorf("processor.%s.allowed_types must not be empty", name)
		}
	}

	comp := c.Processor.Compression
	if comp.Quality < 0 || comp.Quality > 1 {
		return fmt.Errorf("processor.compression.quality must be between 0 and 1")
	}
	if comp.Enabled && (comp.MaxWidth <= 0 || comp.MaxHeight <= 0) {
		return fmt.Errorf("processor.compression.max_width and max_height must be positive")
	}

	if c.Quota.WarningThreshold <= 0 || c.Quota.ErrorThreshold > 100 ||
		c.Quota.WarningThreshold >= c.Quota.ErrorThreshold {
		return fmt.Errorf("quota thresholds must satisfy 0 < warning_threshold < error_threshold <= 100")
	}

	if c.Recovery.MaxRetries < 0 {
		return fmt.Errorf("recovery.max_retries must not be negative")
	}
	if c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		return fmt.Errorf("recovery.max_delay must be >= recovery.base_delay")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
