// Package config loads and validates the model-history service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment variables.
// Environment variables use the MH_ prefix (MH_DATABASE_HOST overrides database.host).
// Secrets may reference other variables with ${VAR} syntax.
//
// The per-model field configuration is not part of this file; history.field_config_path points
// at the YAML read by internal/fieldconfig.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/model-history/model-history/internal/shipping"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "MH"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	History   HistoryConfig   `mapstructure:"history"`
	Shipping  ShippingConfig  `mapstructure:"shipping"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	// Driver is postgres, or memory for a non-persistent development store
	Driver             string        `mapstructure:"driver"`
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Name               string        `mapstructure:"name"`
	User               string        `mapstructure:"user"`
	Password           string        `mapstructure:"password"`
	SSLMode            string        `mapstructure:"ssl_mode"`
	MaxConnections     int           `mapstructure:"max_connections"`
	MinIdleConnections int           `mapstructure:"min_idle_connections"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime"`
	// AutoMigrate applies pending migrations on startup
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// RedisConfig holds the Redis connection used for revision locks and shared rate limits
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// HistoryConfig holds the revisioning engine settings
type HistoryConfig struct {
	// FieldConfigPath is the YAML file describing tracked models and their fields
	FieldConfigPath string `mapstructure:"field_config_path"`
	// WatchFieldConfig reloads the field configuration when the file changes
	WatchFieldConfig bool `mapstructure:"watch_field_config"`
	// Namespace is recorded in the context of every change
	Namespace string `mapstructure:"namespace"`
	// MaxRevisionRetries bounds the retries after a concurrent writer took the same revision
	MaxRevisionRetries int `mapstructure:"max_revision_retries"`
	// StrictAssociations rejects fan-out to associated entities that do not exist
	StrictAssociations bool       `mapstructure:"strict_associations"`
	Lock               LockConfig `mapstructure:"lock"`
	// UserModel and UserNameFields resolve the actor of each record in entity-with-history views
	UserModel      string   `mapstructure:"user_model"`
	UserNameFields []string `mapstructure:"user_name_fields"`
}

// LockConfig selects how writers to the same entity are serialised
type LockConfig struct {
	// Backend is none, memory or redis
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// ShippingConfig configures delivery of written records to external destinations
type ShippingConfig struct {
	Shippers []ShipperConfig `mapstructure:"shippers"`
}

// ShipperConfig holds configuration for a single shipper
type ShipperConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Type is the shipper type (webhook, file)
	Type    string         `mapstructure:"type"`
	Webhook *WebhookConfig `mapstructure:"webhook"`
	File    *FileConfig    `mapstructure:"file"`
}

// WebhookConfig holds webhook shipper configuration
type WebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// FileConfig holds file shipper configuration
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Read    LimitConfig `mapstructure:"read"`
	Write   LimitConfig `mapstructure:"write"`
}

// LimitConfig is one requests-per-minute budget
type LimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",

		// Database
		"database.driver",
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",
		"database.conn_max_lifetime",
		"database.auto_migrate",

		// Redis
		"redis.enabled",
		"redis.url",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// History
		"history.field_config_path",
		"history.watch_field_config",
		"history.namespace",
		"history.max_revision_retries",
		"history.strict_associations",
		"history.lock.backend",
		"history.lock.ttl",
		"history.user_model",
		"history.user_name_fields",

		// Rate limiting
		"rate_limit.enabled",
		"rate_limit.read.requests_per_minute",
		"rate_limit.read.burst",
		"rate_limit.write.requests_per_minute",
		"rate_limit.write.burst",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/model-history")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.URL = expandEnv(cfg.Redis.URL)
	for _, s := range cfg.Shipping.Shippers {
		if s.Webhook != nil {
			for k, h := range s.Webhook.Headers {
				s.Webhook.Headers[k] = expandEnv(h)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "model_history")
	v.SetDefault("database.user", "history")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "model-history")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// History defaults
	v.SetDefault("history.field_config_path", "./fields.yaml")
	v.SetDefault("history.watch_field_config", true)
	v.SetDefault("history.namespace", "model-history")
	v.SetDefault("history.max_revision_retries", 3)
	v.SetDefault("history.strict_associations", false)
	v.SetDefault("history.lock.backend", "memory")
	v.SetDefault("history.lock.ttl", "10s")
	v.SetDefault("history.user_model", "Users")
	v.SetDefault("history.user_name_fields", []string{"firstname", "lastname"})

	// Rate limit defaults
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.read.requests_per_minute", 300)
	v.SetDefault("rate_limit.read.burst", 50)
	v.SetDefault("rate_limit.write.requests_per_minute", 120)
	v.SetDefault("rate_limit.write.burst", 20)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or memory)", c.Database.Driver)
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}

	if c.History.FieldConfigPath == "" {
		return fmt.Errorf("history.field_config_path is required")
	}
	if c.History.MaxRevisionRetries < 0 {
		return fmt.Errorf("history.max_revision_retries must not be negative")
	}
	switch c.History.Lock.Backend {
	case "none", "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("history.lock.backend redis requires redis.enabled")
		}
		if c.History.Lock.TTL <= 0 {
			return fmt.Errorf("history.lock.ttl must be positive for the redis lock backend")
		}
	default:
		return fmt.Errorf("invalid lock backend: %s (must be none, memory, or redis)", c.History.Lock.Backend)
	}

	for i, s := range c.Shipping.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("shipping.shippers[%d]: webhook.url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("shipping.shippers[%d]: file.path is required", i)
			}
		default:
			return fmt.Errorf("shipping.shippers[%d]: unknown type %q (must be webhook or file)", i, s.Type)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Read.RequestsPerMinute < 1 || c.RateLimit.Write.RequestsPerMinute < 1 {
			return fmt.Errorf("rate_limit requests_per_minute must be positive")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetMetricsAddress returns the metrics listener address
func (c *Config) GetMetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Telemetry.Metrics.PrometheusPort)
}

// ShipperConfigs converts the shipping section into shipping.Config values
func (c *ShippingConfig) ShipperConfigs() []shipping.Config {
	out := make([]shipping.Config, 0, len(c.Shippers))
	for _, s := range c.Shippers {
		cfg := shipping.Config{Enabled: s.Enabled, Type: s.Type}
		if s.Webhook != nil {
			cfg.Webhook = &shipping.WebhookConfig{
				URL:           s.Webhook.URL,
				Headers:       s.Webhook.Headers,
				Timeout:       time.Duration(s.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     s.Webhook.BatchSize,
				FlushInterval: time.Duration(s.Webhook.FlushInterval) * time.Second,
			}
		}
		if s.File != nil {
			cfg.File = &shipping.FileConfig{
				Path:       s.File.Path,
				MaxSizeMB:  s.File.MaxSizeMB,
				MaxBackups: s.File.MaxBackups,
			}
		}
		out = append(out, cfg)
	}
	return out
}
