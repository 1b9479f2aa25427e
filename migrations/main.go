// Package main is faultline-migrate, the schema migration tool. Migrations are compiled
// into the binary, so it runs without a migrations directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/faultline-io/faultline/internal/config"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"     //nolint: gochecknoglobals
	GitCommit = "unknown" //nolint: gochecknoglobals
)

// errDropNotConfirmed is returned by drop without --yes.
var errDropNotConfirmed = errors.New("drop requires --yes")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// runnerFunc receives a connected runner; the command closes it afterwards.
type runnerFunc func(cmd *cobra.Command, runner *Runner) error

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "faultline-migrate",
		Short:        "Apply the faultline PostgreSQL schema",
		Long:         "Apply the faultline schema to the database named by DATABASE_URL.\nMIGRATION_TABLE overrides the version table (default schema_migrations).",
		Version:      fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage: true,
	}

	var yes bool

	drop := &cobra.Command{
		Use:   "drop",
		Short: "Drop every table, including the version table",
		RunE: withRunner(func(cmd *cobra.Command, runner *Runner) error {
			if !yes {
				return errDropNotConfirmed
			}

			return runner.Drop()
		}),
	}
	drop.Flags().BoolVar(&yes, "yes", false, "confirm dropping all tables")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withRunner(func(_ *cobra.Command, runner *Runner) error {
				return runner.Up()
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: withRunner(func(_ *cobra.Command, runner *Runner) error {
				return runner.Down()
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the applied version and pending migrations",
			RunE: withRunner(func(cmd *cobra.Command, runner *Runner) error {
				status, err := runner.Status()
				if err != nil {
					return err
				}

				return printStatus(cmd.OutOrStdout(), status)
			}),
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the embedded migrations without touching a database",
			RunE: func(cmd *cobra.Command, _ []string) error {
				catalog, err := LoadCatalog(nil)
				if err != nil {
					return err
				}

				for _, m := range catalog.Migrations() {
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", m.Describe(), m.Checksum[:12]); err != nil {
						return err
					}
				}

				return nil
			},
		},
		drop,
	)

	return root
}

// withRunner loads configuration, validates the catalog and connects before fn runs.
func withRunner(fn runnerFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := LoadConfig()
		if err != nil {
			return err
		}

		logger := config.NewLogger(cfg.LogLevel)

		catalog, err := LoadCatalog(nil)
		if err != nil {
			return fmt.Errorf("embedded migrations are invalid: %w", err)
		}

		runner, err := NewRunner(cmd.Context(), cfg, catalog, logger)
		if err != nil {
			return err
		}

		defer func() {
			if err := runner.Close(); err != nil {
				logger.Warn("Failed to close migration runner", slog.String("error", err.Error()))
			}
		}()

		return fn(cmd, runner)
	}
}

func printStatus(w io.Writer, status *Status) error {
	state := "clean"
	if status.Dirty {
		state = "dirty, needs manual intervention"
	}

	if _, err := fmt.Fprintf(w, "schema version %03d (%s), binary supports %03d\n",
		status.Version, state, status.Latest); err != nil {
		return err
	}

	if status.Version > status.Latest {
		_, err := fmt.Fprintln(w, "database schema is newer than this binary")

		return err
	}

	for _, m := range status.Pending {
		if _, err := fmt.Fprintf(w, "pending  %s\n", m.Describe()); err != nil {
			return err
		}
	}

	return nil
}
