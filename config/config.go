/*
config.go - Application configuration

PURPOSE:
  Loads server, database, auth, period generation and logger settings from
  an optional YAML file, with environment overrides.

PRECEDENCE (highest first):
  1. Environment: DELIVERABLES_SERVER_PORT, DELIVERABLES_AUTH_JWT_SECRET, ...
  2. Config file (--config)
  3. Defaults (setDefaults)

  CLI flags are applied by cmd/server after Load.

EXAMPLE:
  server:
    port: 8080
  database:
    path: data/deliverables.db
  auth:
    jwt_secret: change-me
  generator:
    enabled: true
    interval: 1h
    horizon_months: 12

SEE ALSO:
  - cmd/server/main.go: Flag overrides
  - logging/logger.go: Consumes LoggerConfig
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DELIVERABLES"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // ":memory:" for an ephemeral store
}

// AuthConfig holds bearer token verification settings.
// Insecure accepts unsigned claims from a trusted proxy and only applies
// when JWTSecret is empty.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Insecure  bool   `mapstructure:"insecure"`
}

// GeneratorConfig drives scheduled period generation.
type GeneratorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	HorizonMonths int           `mapstructure:"horizon_months"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
	Format     string `mapstructure:"format"`      // json or console
}

// Load reads configuration. configPath may be empty, in which case only
// defaults and environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults also registers every key, which AutomaticEnv needs to
// resolve environment overrides during Unmarshal.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	// Database defaults
	v.SetDefault("database.path", "deliverables.db")

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.insecure", false)

	// Generator defaults
	v.SetDefault("generator.enabled", true)
	v.SetDefault("generator.interval", time.Hour)
	v.SetDefault("generator.horizon_months", 12)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.Insecure {
		return errors.New("auth.jwt_secret is required unless auth.insecure is set")
	}
	if c.Generator.Enabled && c.Generator.Interval <= 0 {
		return errors.New("generator.interval must be positive when the generator is enabled")
	}
	if c.Generator.HorizonMonths < 1 {
		return errors.New("generator.horizon_months must be at least 1")
	}
	switch c.Logger.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logger.format %q must be json or console", c.Logger.Format)
	}
	return nil
}
