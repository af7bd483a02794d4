// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable override.
const EnvPrefix = "RELAY"

// Missing-parameter checks. A required parameter whose value matches one of
// the enabled checks is reported as missing.
const (
	MissingUndefined   = "undefined"
	MissingNull        = "null"
	MissingEmptyString = "empty_string"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	General       GeneralConfig       `yaml:"general"`
	Actions       ActionsConfig       `yaml:"actions"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	NATS          NATSConfig          `yaml:"nats"`
	Cache         CacheConfig         `yaml:"cache"`
	Audit         AuditConfig         `yaml:"audit"`
	Identity      IdentityConfig      `yaml:"identity"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	PathPrefix      string        `yaml:"path_prefix"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// GeneralConfig holds the settings the action pipeline consumes.
type GeneralConfig struct {
	ServerName                string   `yaml:"server_name"`
	SimultaneousActions       int      `yaml:"simultaneous_actions"`
	DisableParamScrubbing     bool     `yaml:"disable_param_scrubbing"`
	MissingParamChecks        []string `yaml:"missing_param_checks"`
	GlobalSafeParams          []string `yaml:"global_safe_params"`
	DefaultMiddlewarePriority int      `yaml:"default_middleware_priority"`
	FilteredParams            []string `yaml:"filtered_params"`
	FilteredResponse          []string `yaml:"filtered_response"`
	EnableResponseLogging     bool     `yaml:"enable_response_logging"`
	MaxSchemaDepth            int      `yaml:"max_schema_depth"`
}

// ActionsConfig describes where action manifests are loaded from.
type ActionsConfig struct {
	ManifestDirectories []string `yaml:"manifest_directories"`
}

// WebSocketConfig describes the WebSocket transport.
type WebSocketConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Path         string        `yaml:"path"`
	ReadLimit    int64         `yaml:"read_limit"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// NATSConfig describes the NATS transport.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	QueueGroup    string        `yaml:"queue_group"`
	Timeout       time.Duration `yaml:"timeout"`
}

// CacheConfig describes the cache and lock store.
type CacheConfig struct {
	Driver     string        `yaml:"driver"`
	Addr       string        `yaml:"addr"`
	DB         int           `yaml:"db"`
	KeyPrefix  string        `yaml:"key_prefix"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	LockTTL    time.Duration `yaml:"lock_ttl"`
}

// AuditConfig describes persistence of completion records.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdentityConfig describes JWT verification for the authenticated
// middleware. Tokens are verified with Secret (HMAC) unless JWKSURL is set.
type IdentityConfig struct {
	Secret       string        `yaml:"secret"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	Algorithms   []string      `yaml:"algorithms"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			PathPrefix:      "/api",
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		General: GeneralConfig{
			ServerName:                "relay",
			SimultaneousActions:       5,
			MissingParamChecks:        []string{MissingUndefined, MissingNull, MissingEmptyString},
			GlobalSafeParams:          []string{"file", "apiVersion", "callback", "action", "messageId"},
			DefaultMiddlewarePriority: 100,
			FilteredParams:            []string{"password"},
			MaxSchemaDepth:            32,
		},
		WebSocket: WebSocketConfig{
			Enabled:      true,
			Path:         "/ws",
			ReadLimit:    1 << 20,
			WriteTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "relay",
			SubjectPrefix: "relay.actions",
			QueueGroup:    "relay",
			Timeout:       10 * time.Second,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			KeyPrefix:  "relay:cache:",
			DefaultTTL: time.Hour,
			LockTTL:    10 * time.Second,
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: time.Hour,
			Algorithms:   []string{"HS256", "RS256", "ES256"},
		},
		Audit: AuditConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.General.SimultaneousActions < 1 {
		errs = append(errs, "general.simultaneous_actions must be at least 1")
	}
	if c.General.MaxSchemaDepth < 1 {
		errs = append(errs, "general.max_schema_depth must be at least 1")
	}
	for _, check := range c.General.MissingParamChecks {
		switch check {
		case MissingUndefined, MissingNull, MissingEmptyString:
		default:
			errs = append(errs, fmt.Sprintf("general.missing_param_checks: unknown check %q", check))
		}
	}
	switch c.Cache.Driver {
	case "memory", "":
	case "redis":
		if c.Cache.Addr == "" {
			errs = append(errs, "cache.addr is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver: unsupported driver %q", c.Cache.Driver))
	}
	if c.Audit.Enabled {
		switch c.Audit.Driver {
		case "memory", "":
		case "postgres":
			if c.Audit.DSN == "" {
				errs = append(errs, "audit.dsn is required for the postgres driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("audit.driver: unsupported driver %q", c.Audit.Driver))
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats.url is required when nats is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// envOverrides lists the RELAY_* variables that override file values. Only
// the most commonly overridden fields are supported.
type envOverrides struct {
	ServerPort          int    `envconfig:"SERVER_PORT"`
	LogLevel            string `envconfig:"LOG_LEVEL"`
	SimultaneousActions int    `envconfig:"SIMULTANEOUS_ACTIONS"`
	NATSURL             string `envconfig:"NATS_URL"`
	RedisAddr           string `envconfig:"REDIS_ADDR"`
	DatabaseURL         string `envconfig:"DATABASE_URL"`
	JWTSecret           string `envconfig:"JWT_SECRET"`
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	if env.ServerPort != 0 {
		cfg.Server.Port = env.ServerPort
	}
	if env.LogLevel != "" {
		cfg.Observability.LogLevel = env.LogLevel
	}
	if env.SimultaneousActions != 0 {
		cfg.General.SimultaneousActions = env.SimultaneousActions
	}
	if env.NATSURL != "" {
		cfg.NATS.URL = env.NATSURL
	}
	if env.RedisAddr != "" {
		cfg.Cache.Addr = env.RedisAddr
	}
	if env.DatabaseURL != "" {
		cfg.Audit.DSN = env.DatabaseURL
	}
	if env.JWTSecret != "" {
		cfg.Identity.Secret = env.JWTSecret
	}
	return nil
}
