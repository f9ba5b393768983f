package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/compress"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Compression CompressionConfig `mapstructure:"compression"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig contains HTTP and worker settings
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	MaxUploadMB     int `mapstructure:"max_upload_mb"`
	MaxConcurrent   int `mapstructure:"max_concurrent"`
	RateLimitPerSec int `mapstructure:"rate_limit"`
	RateLimitBurst  int `mapstructure:"rate_limit_burst"`
	WorkerCount     int `mapstructure:"worker_count"`
	QueueSize       int `mapstructure:"queue_size"`
}

// CompressionConfig contains the default export settings
type CompressionConfig struct {
	Preset              string  `mapstructure:"preset"`
	Format              string  `mapstructure:"format"`
	TargetSizeKB        int     `mapstructure:"target_size_kb"`
	Quality             float64 `mapstructure:"quality"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	MaxIterations       int     `mapstructure:"max_iterations"`
	AllowResize         bool    `mapstructure:"allow_resize"`
	WebPEnabled         bool    `mapstructure:"webp_enabled"`
}

// CacheConfig selects the result cache
type CacheConfig struct {
	Driver     string `mapstructure:"driver"` // none, memory, sqlite
	Path       string `mapstructure:"path"`
	MaxEntries int    `mapstructure:"max_entries"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			MaxUploadMB:     20,
			MaxConcurrent:   50,
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
			WorkerCount:     4,
			QueueSize:       8,
		},
		Compression: CompressionConfig{
			Preset:              string(compress.PresetMedium),
			Format:              "auto",
			TargetSizeKB:        0,
			Quality:             0,
			SimilarityThreshold: 0,
			MaxIterations:       20,
			AllowResize:         true,
			WebPEnabled:         true,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			Path:       "snapthumb-cache.db",
			MaxEntries: 256,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// Load reads configuration from a YAML file and SNAPTHUMB_* environment
// variables on top of DefaultConfig. A missing config file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.snapthumb")
		v.AddConfigPath("/etc/snapthumb")
	}

	v.SetEnvPrefix("SNAPTHUMB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so that environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.max_upload_mb", cfg.Server.MaxUploadMB)
	v.SetDefault("server.max_concurrent", cfg.Server.MaxConcurrent)
	v.SetDefault("server.rate_limit", cfg.Server.RateLimitPerSec)
	v.SetDefault("server.rate_limit_burst", cfg.Server.RateLimitBurst)
	v.SetDefault("server.worker_count", cfg.Server.WorkerCount)
	v.SetDefault("server.queue_size", cfg.Server.QueueSize)

	v.SetDefault("compression.preset", cfg.Compression.Preset)
	v.SetDefault("compression.format", cfg.Compression.Format)
	v.SetDefault("compression.target_size_kb", cfg.Compression.TargetSizeKB)
	v.SetDefault("compression.quality", cfg.Compression.Quality)
	v.SetDefault("compression.similarity_threshold", cfg.Compression.SimilarityThreshold)
	v.SetDefault("compression.max_iterations", cfg.Compression.MaxIterations)
	v.SetDefault("compression.allow_resize", cfg.Compression.AllowResize)
	v.SetDefault("compression.webp_enabled", cfg.Compression.WebPEnabled)

	v.SetDefault("cache.driver", cfg.Cache.Driver)
	v.SetDefault("cache.path", cfg.Cache.Path)
	v.SetDefault("cache.max_entries", cfg.Cache.MaxEntries)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file_path", cfg.Logging.FilePath)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
}

// Validate normalizes the configuration and rejects values that cannot work
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 20
	}
	if c.Server.MaxConcurrent <= 0 {
		c.Server.MaxConcurrent = 50
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 10
	}
	if c.Server.RateLimitBurst < c.Server.RateLimitPerSec {
		c.Server.RateLimitBurst = c.Server.RateLimitPerSec
	}
	if c.Server.WorkerCount <= 0 {
		c.Server.WorkerCount = 4
	}
	if c.Server.QueueSize <= 0 {
		c.Server.QueueSize = c.Server.WorkerCount * 2
	}

	if _, err := c.Options(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	c.Cache.Driver = strings.ToLower(strings.TrimSpace(c.Cache.Driver))
	switch c.Cache.Driver {
	case "", "none":
		c.Cache.Driver = "none"
	case "memory":
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("%w: cache.path is required for the sqlite driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: cache driver %q (valid: none, memory, sqlite)", ErrInvalidConfig, c.Cache.Driver)
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 256
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("%w: log level %s (valid: debug, info, warn, error)", ErrInvalidConfig, c.Logging.Level)
	}

	return nil
}

// Options converts the compression section into export options with defaults applied.
func (c *Config) Options() (compress.Options, error) {
	preset, err := compress.ParsePreset(c.Compression.Preset)
	if err != nil {
		return compress.Options{}, err
	}
	format, err := codec.ParseFormat(c.Compression.Format)
	if err != nil {
		return compress.Options{}, err
	}

	opts := compress.Options{
		Preset:              preset,
		Format:              format,
		TargetSizeBytes:     int64(c.Compression.TargetSizeKB) * 1024,
		Quality:             c.Compression.Quality,
		SimilarityThreshold: c.Compression.SimilarityThreshold,
		MaxIterations:       c.Compression.MaxIterations,
	}.WithDefaults()

	if err := opts.Validate(); err != nil {
		return compress.Options{}, err
	}
	return opts, nil
}

// MaxUploadBytes returns the upload limit in bytes
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) * 1024 * 1024
}
