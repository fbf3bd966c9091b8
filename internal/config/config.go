package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracking TrackingConfig `mapstructure:"tracking"`
}

// ServerConfig defines the local API and metrics listeners
type ServerConfig struct {
	BindAddress     string   `mapstructure:"bind_address"`
	APIPort         int      `mapstructure:"api_port"`
	MetricsPort     int      `mapstructure:"metrics_port"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"` // Extension origins allowed by CORS
	RateLimit       int      `mapstructure:"rate_limit"`
	RateLimitWindow string   `mapstructure:"rate_limit_window"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Path  string      `mapstructure:"path"`
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TrackingConfig defines session tracking and retention settings
type TrackingConfig struct {
	InactivityThreshold   string   `mapstructure:"inactivity_threshold"`
	ActivityFlushInterval string   `mapstructure:"activity_flush_interval"`
	FlushInterval         string   `mapstructure:"flush_interval"`
	SweepInterval         string   `mapstructure:"sweep_interval"`
	CleanupInterval       string   `mapstructure:"cleanup_interval"`
	RetentionDays         int      `mapstructure:"retention_days"`
	SkipSchemes           []string `mapstructure:"skip_schemes"`
	TabCacheSize          int      `mapstructure:"tab_cache_size"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TIMETRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns a viper instance holding only the default values.
// Used by "validate --dump" to highlight overridden settings.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.api_port", 7474)
	v.SetDefault("server.metrics_port", 9474)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.rate_limit", 600)
	v.SetDefault("server.rate_limit_window", "1m")

	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/timetrack/timetrack.bolt")
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "timetrack:")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracking defaults
	v.SetDefault("tracking.inactivity_threshold", "15s")
	v.SetDefault("tracking.activity_flush_interval", "30s")
	v.SetDefault("tracking.flush_interval", "1m")
	v.SetDefault("tracking.sweep_interval", "1m")
	v.SetDefault("tracking.cleanup_interval", "24h")
	v.SetDefault("tracking.retention_days", 90)
	v.SetDefault("tracking.skip_schemes", []string{
		"chrome",
		"chrome-extension",
		"about",
		"edge",
		"moz-extension",
		"file",
		"data",
		"devtools",
		"view-source",
		"blob",
	})
	v.SetDefault("tracking.tab_cache_size", 1024)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit: %d", cfg.Server.RateLimit)
	}

	durations := map[string]string{
		"server.rate_limit_window":         cfg.Server.RateLimitWindow,
		"tracking.inactivity_threshold":    cfg.Tracking.InactivityThreshold,
		"tracking.activity_flush_interval": cfg.Tracking.ActivityFlushInterval,
		"tracking.flush_interval":          cfg.Tracking.FlushInterval,
		"tracking.sweep_interval":          cfg.Tracking.SweepInterval,
		"tracking.cleanup_interval":        cfg.Tracking.CleanupInterval,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid %s %q: must be positive", key, value)
		}
	}

	if cfg.Tracking.RetentionDays < 30 {
		// Monthly limits read 30 days back.
		return fmt.Errorf("invalid retention_days %d: must be at least 30", cfg.Tracking.RetentionDays)
	}
	if cfg.Tracking.TabCacheSize <= 0 {
		return fmt.Errorf("invalid tab_cache_size: %d", cfg.Tracking.TabCacheSize)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}

	switch cfg.Storage.Type {
	case "bolt":
		// Validate storage path
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}

		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
		if cfg.Storage.Redis.Port <= 0 || cfg.Storage.Redis.Port > 65535 {
			return fmt.Errorf("invalid redis port: %d", cfg.Storage.Redis.Port)
		}
	default:
		return fmt.Errorf("unknown storage type %q (must be bolt or redis)", cfg.Storage.Type)
	}

	return nil
}
