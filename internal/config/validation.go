package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidListenAddr indicates the HTTP listen address is invalid.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidLogLevel indicates the log level is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidRedisAddr indicates the Redis address is invalid.
	ErrInvalidRedisAddr = errors.New("invalid Redis address")

	// ErrInvalidRedisDB indicates the Redis database number is out of range.
	ErrInvalidRedisDB = errors.New("invalid Redis database number")

	// ErrInvalidSessionTTL indicates the session TTL is out of range.
	ErrInvalidSessionTTL = errors.New("invalid session TTL")

	// ErrInvalidCleanupInterval indicates the cleanup interval is out of range.
	ErrInvalidCleanupInterval = errors.New("invalid cleanup interval")
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr cannot be empty", ErrInvalidListenAddr)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, c.LogLevel) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidLogLevel, c.LogLevel, validLevels)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d",
			ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "parley_dev_password" {
		slog.Warn("using default development password for PostgreSQL",
			"hint", "change postgres_password before deploying to production")
	}

	// Deprecated allow/prefer modes are excluded (vulnerable to downgrade).
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	if c.RedisAddr == "" {
		return fmt.Errorf("%w: redis_addr cannot be empty", ErrInvalidRedisAddr)
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("%w: must be between 0 and 15, got %d",
			ErrInvalidRedisDB, c.RedisDB)
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("%w: must be positive, got %s", ErrInvalidSessionTTL, c.SessionTTL)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("%w: must be positive, got %s", ErrInvalidCleanupInterval, c.CleanupInterval)
	}
	if c.CleanupStartupDelay < 0 {
		return fmt.Errorf("%w: startup delay cannot be negative, got %s",
			ErrInvalidCleanupInterval, c.CleanupStartupDelay)
	}

	return nil
}
