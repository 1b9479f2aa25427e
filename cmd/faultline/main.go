// Package main provides the faultline API server.
//
// Without DATABASE_URL the server runs on in-memory stores and an in-memory queue drained
// by inline workers, which is enough for local development. With a database, reports go
// through the PostgreSQL (or Kafka) queue and are aggregated by cmd/ingester, unless
// FAULTLINE_INLINE_WORKERS is set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/aliasing"
	"github.com/faultline-io/faultline/internal/api"
	"github.com/faultline-io/faultline/internal/api/middleware"
	"github.com/faultline-io/faultline/internal/cache"
	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/query"
	"github.com/faultline-io/faultline/internal/queue"
	"github.com/faultline-io/faultline/internal/storage"
)

const name = "faultline"

// errorStore is the union of the write-side and read-side store contracts.
type errorStore interface {
	aggregation.Store
	query.Store
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s %s\n", name, api.Version) //nolint:forbidigo

		return
	}

	if err := run(); err != nil {
		slog.Error("faultline stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverConfig := api.LoadServerConfig()
	if err := serverConfig.Validate(); err != nil {
		return err
	}

	logger := config.NewLogger(serverConfig.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting faultline",
		slog.String("version", api.Version),
		slog.String("address", serverConfig.Address()),
		slog.Int("page_size", serverConfig.PageSize),
		slog.Int("occurrence_limit", serverConfig.OccurrenceLimit),
	)

	storageConfig := storage.LoadConfig()
	queueConfig := queue.LoadConfig()

	var (
		conn     *storage.Connection
		store    errorStore
		keyStore storage.APIKeyStore
	)

	if storageConfig.Configured() {
		var err error

		conn, err = storage.NewConnection(storageConfig)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}

		defer func() { _ = conn.Close() }()

		pg, err := storage.NewPostgresStore(conn, storage.WithStoreLogger(logger))
		if err != nil {
			return err
		}

		store = pg

		if config.GetEnvBool("FAULTLINE_AUTH_ENABLED", false) {
			keyStore, err = storage.NewPersistentKeyStore(conn, storage.WithKeyStoreLogger(logger))
			if err != nil {
				return err
			}

			logger.Info("API key authentication enabled", slog.String("database_url", storageConfig.MaskDatabaseURL()))
		} else {
			logger.Warn("API key authentication disabled",
				slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
				slog.String("note", "Set FAULTLINE_AUTH_ENABLED=true to enable API key authentication"),
			)
		}

		logger.Info("PostgreSQL error store ready",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
			slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		)
	} else {
		store = storage.NewInMemoryStore()

		if queueConfig.Backend == queue.BackendPostgres {
			queueConfig.Backend = queue.BackendMemory
		}

		logger.Warn("DATABASE_URL not set, running on in-memory stores; data is lost on exit")
	}

	q, err := queue.Open(queueConfig, conn)
	if err != nil {
		return fmt.Errorf("open %s queue: %w", queueConfig.Backend, err)
	}

	defer func() { _ = q.Close() }()

	groupCache, err := cache.New(cache.LoadConfig())
	if err != nil {
		return err
	}

	aliasConfig, _ := aliasing.LoadConfigFromEnv()
	resolver := aliasing.NewResolver(aliasConfig)

	agg, err := aggregation.New(store,
		aggregation.WithCache(groupCache),
		aggregation.WithProjectResolver(resolver),
		aggregation.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	engine, err := query.NewEngine(store,
		query.WithMaxJoinScan(config.GetEnvInt("FAULTLINE_MAX_JOIN_SCAN", query.DefaultMaxJoinScan)),
		query.WithProjectResolver(resolver),
		query.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	rateLimitConfig := middleware.LoadConfig()

	server, err := api.NewServer(serverConfig, api.Services{
		Queue:       q,
		Aggregator:  agg,
		Engine:      engine,
		KeyStore:    keyStore,
		RateLimiter: middleware.NewInMemoryRateLimiter(rateLimitConfig),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(ctx)
	})

	// The memory queue lives in this process, so nothing else can drain it.
	inline := config.GetEnvBool("FAULTLINE_INLINE_WORKERS", queueConfig.Backend == queue.BackendMemory)
	if inline {
		worker, err := queue.NewWorker(q, agg,
			queue.WithWorkers(queueConfig.Workers),
			queue.WithWorkerLogger(logger),
		)
		if err != nil {
			return err
		}

		g.Go(func() error {
			return worker.Run(ctx)
		})
	}

	logger.Info("faultline ready",
		slog.String("queue_backend", queueConfig.Backend),
		slog.Bool("inline_workers", inline),
		slog.Int("aliases", resolver.Len()),
		slog.Bool("cache_enabled", groupCache != nil),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("faultline stopped")

	return nil
}
