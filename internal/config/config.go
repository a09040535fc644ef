// Package config provides application configuration with multi-source
// priority: environment variables over config file (~/.parley/config.yaml)
// over defaults.
//
// Sensitive values (passwords) are masked in MarshalJSON and never logged.
// Validation is fail-fast: a process with a bad configuration never starts.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config stores the service configuration.
// SECURITY: sensitive fields are masked in MarshalJSON; when adding new
// secrets, update that method.
type Config struct {
	// HTTP server
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"` // debug | info | warn | error
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`

	// Durable tier (PostgreSQL)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Cache tier (Redis)
	RedisAddr     string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" json:"redis_password"` // SENSITIVE
	RedisDB       int    `mapstructure:"redis_db" json:"redis_db"`

	// Session behavior
	SessionTTL time.Duration `mapstructure:"session_ttl" json:"session_ttl"`

	// Maintenance schedule
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`
	CleanupStartupDelay time.Duration `mapstructure:"cleanup_startup_delay" json:"cleanup_startup_delay"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".parley")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Connection URLs beat individual settings; both are common in cloud
	// deployments.
	if err := cfg.parseDatabaseURL(os.Getenv("DATABASE_URL")); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	if err := cfg.parseRedisURL(os.Getenv("REDIS_URL")); err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:8600")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "parley")
	v.SetDefault("postgres_password", "parley_dev_password")
	v.SetDefault("postgres_db_name", "parley")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("session_ttl", 24*time.Hour)
	v.SetDefault("cleanup_interval", 4*time.Hour)
	v.SetDefault("cleanup_startup_delay", 30*time.Second)
}

func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("listen_addr", "PARLEY_LISTEN_ADDR")
	mustBind("log_level", "PARLEY_LOG_LEVEL")
	mustBind("log_json", "PARLEY_LOG_JSON")
	mustBind("redis_addr", "PARLEY_REDIS_ADDR")
	mustBind("redis_password", "PARLEY_REDIS_PASSWORD")
	mustBind("session_ttl", "PARLEY_SESSION_TTL")
	mustBind("cleanup_interval", "PARLEY_CLEANUP_INTERVAL")

	// NOTE: DATABASE_URL and REDIS_URL are parsed directly after
	// unmarshal, not bound through viper, because they expand into
	// multiple fields.
}

// maskedValue uses full-width blocks to avoid substring matching against
// real secret content.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Secrets of 8 chars or fewer
// are fully masked; longer ones keep the first and last two characters for
// debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.RedisPassword = maskSecret(a.RedisPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
