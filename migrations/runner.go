package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // PostgreSQL driver
)

type (
	// Status describes the database schema relative to the catalog.
	Status struct {
		// Version is the applied version, 0 when nothing has been applied.
		Version int
		Dirty   bool
		Latest  int
		Pending []Migration
	}

	// Runner applies the catalog to a PostgreSQL database with golang-migrate.
	Runner struct {
		migrate *migrate.Migrate
		catalog *Catalog
		logger  *slog.Logger
	}

	// migrateLogger forwards golang-migrate's printf logging to slog.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// NewRunner connects to the database and prepares the migrate instance.
func NewRunner(ctx context.Context, cfg *Config, catalog *Catalog, logger *slog.Logger) (*Runner, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database %s: %w", cfg.MaskedDatabaseURL(), err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.MigrationTable})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	source, err := iofs.New(catalog.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	logger.Debug("Migration runner ready",
		slog.String("database_url", cfg.MaskedDatabaseURL()),
		slog.String("migration_table", cfg.MigrationTable),
		slog.Int("latest_version", catalog.Latest()),
	)

	return &Runner{migrate: m, catalog: catalog, logger: logger}, nil
}

// Up applies every pending migration. An up-to-date schema is not an error.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("Migrations applied", slog.Int("version", r.catalog.Latest()))

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	if _, _, err := r.migrate.Version(); errors.Is(err, migrate.ErrNilVersion) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err := r.migrate.Steps(-1); err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Rolled back one migration")

	return nil
}

// Status reports the applied version, the dirty flag and pending migrations.
func (r *Runner) Status() (*Status, error) {
	status := &Status{Latest: r.catalog.Latest()}

	version, dirty, err := r.migrate.Version()

	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return nil, fmt.Errorf("read migration version: %w", err)
	default:
		status.Version = int(version) // #nosec G115 - versions are three digits
		status.Dirty = dirty
	}

	status.Pending = r.catalog.Pending(status.Version)

	return status, nil
}

// Drop removes every table in the database, including the version table.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}

	r.logger.Warn("All tables dropped")

	return nil
}

// Close releases the migration source and the database; the postgres driver owns the handle.
func (r *Runner) Close() error {
	sourceErr, dbErr := r.migrate.Close()

	return errors.Join(sourceErr, dbErr)
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}
