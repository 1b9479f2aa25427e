// Package main provides faultlinectl, the faultline admin CLI. It works directly against
// the database named by DATABASE_URL.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/aliasing"
	"github.com/faultline-io/faultline/internal/api"
	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/query"
	"github.com/faultline-io/faultline/internal/storage"
)

var errNoDatabase = errors.New("DATABASE_URL is required")

type (
	// backend is what the commands operate on.
	backend struct {
		keys       storage.APIKeyStore
		aggregator *aggregation.Aggregator
		engine     *query.Engine
		close      func() error
	}

	// opener connects a backend; commands call it only after their arguments are validated.
	opener func(ctx context.Context) (*backend, error)
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(openPostgres).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:          "faultlinectl",
		Short:        "Administer a faultline deployment",
		Version:      api.Version,
		SilenceUsage: true,
	}

	root.AddCommand(
		newKeysCommand(open),
		newStatsCommand(open),
		newResolveCommand(open),
		newClearCommand(open),
	)

	return root
}

// withBackend opens the backend, runs fn and closes the backend.
func withBackend(ctx context.Context, open opener, fn func(*backend) error) error {
	b, err := open(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = b.close() }()

	return fn(b)
}

func openPostgres(_ context.Context) (*backend, error) {
	storageConfig := storage.LoadConfig()
	if !storageConfig.Configured() {
		return nil, errNoDatabase
	}

	logger := config.NewLogger(config.GetEnvLogLevel("FAULTLINE_LOG_LEVEL", slog.LevelWarn))

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	b, err := buildBackend(conn, logger)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	return b, nil
}

func buildBackend(conn *storage.Connection, logger *slog.Logger) (*backend, error) {
	store, err := storage.NewPostgresStore(conn, storage.WithStoreLogger(logger))
	if err != nil {
		return nil, err
	}

	keys, err := storage.NewPersistentKeyStore(conn, storage.WithKeyStoreLogger(logger))
	if err != nil {
		return nil, err
	}

	aliasConfig, _ := aliasing.LoadConfigFromEnv()
	resolver := aliasing.NewResolver(aliasConfig)

	agg, err := aggregation.New(store, aggregation.WithProjectResolver(resolver), aggregation.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	engine, err := query.NewEngine(store, query.WithProjectResolver(resolver), query.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return &backend{keys: keys, aggregator: agg, engine: engine, close: conn.Close}, nil
}
