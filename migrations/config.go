package main

import (
	"errors"
	"fmt"

	"github.com/plantstream-io/plantstream/internal/config"
	"github.com/plantstream-io/plantstream/internal/storage"
)

var (
	// ErrDatabaseURLRequired is returned when DATABASE_URL is unset.
	ErrDatabaseURLRequired = errors.New("DATABASE_URL cannot be empty")

	// ErrMigrationTableRequired is returned when the tracking table name is
	// blanked out.
	ErrMigrationTableRequired = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the table tracking applied migrations.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableRequired
	}

	return nil
}

// String returns a representation safe for logging; the password portion of
// the URL is masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		storage.NewConfig(c.DatabaseURL).MaskDatabaseURL(), c.MigrationTable)
}
