package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secret
	if len(c.JWT.Secret) < 32 {
		errs = append(errs, "JWT_SECRET must be at least 32 characters")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Ledger
	if c.Ledger.Shards < 1 {
		errs = append(errs, fmt.Sprintf("LEDGER_SHARDS must be positive, got %d", c.Ledger.Shards))
	}
	if c.Ledger.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("LEDGER_QUEUE_SIZE must be positive, got %d", c.Ledger.QueueSize))
	}

	// Notification sessions borrow two buffers per iteration.
	if c.Notify.BufferCount < 2 {
		errs = append(errs, fmt.Sprintf("NOTIFY_BUFFER_COUNT must be at least 2, got %d", c.Notify.BufferCount))
	}
	if c.Notify.BufferSize < 4096 {
		errs = append(errs, fmt.Sprintf("NOTIFY_BUFFER_SIZE must be at least 4096, got %d", c.Notify.BufferSize))
	}
	if c.Notify.Interval <= 0 {
		errs = append(errs, "NOTIFY_INTERVAL must be positive")
	}
	if c.Notify.HandshakeTimeout <= 0 {
		errs = append(errs, "NOTIFY_HANDSHAKE_TIMEOUT must be positive")
	}

	if c.Filler.BaselineCredits < 0 {
		errs = append(errs, "FILLER_BASELINE_CREDITS must not be negative")
	}

	// CORS: warn only
	for _, o := range c.CORS.AllowedOrigins {
		if o == "*" {
			slog.Warn("CORS_ALLOWED_ORIGINS contains '*'; credentials will be disabled")
			break
		}
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
