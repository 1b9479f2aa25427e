package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/faultline-io/faultline/internal/config"
)

const defaultMigrationTable = "schema_migrations"

var (
	// ErrMissingDatabaseURL is returned when DATABASE_URL is unset.
	ErrMissingDatabaseURL = errors.New("DATABASE_URL cannot be empty")

	// ErrMissingMigrationTable is returned when the tracking table name is empty.
	ErrMissingMigrationTable = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds the migrator configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the golang-migrate version table.
	MigrationTable string

	LogLevel slog.Level
}

// LoadConfig reads DATABASE_URL, MIGRATION_TABLE and FAULTLINE_LOG_LEVEL.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
		LogLevel:       config.GetEnvLogLevel("FAULTLINE_LOG_LEVEL", slog.LevelInfo),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}

	if c.MigrationTable == "" {
		return ErrMissingMigrationTable
	}

	return nil
}

// MaskedDatabaseURL returns the connection string with its password replaced, safe for logs.
func (c *Config) MaskedDatabaseURL() string {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "<unparsable>"
	}

	return u.Redacted()
}
