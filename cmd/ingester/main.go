// Package main provides the faultline ingestion workers.
//
// The ingester drains the report queue into the aggregator and runs queue maintenance on
// FAULTLINE_QUEUE_MAINTENANCE_SCHEDULE. It needs DATABASE_URL for the error store and a
// postgres or kafka queue shared with the API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/aliasing"
	"github.com/faultline-io/faultline/internal/api"
	"github.com/faultline-io/faultline/internal/cache"
	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/metrics"
	"github.com/faultline-io/faultline/internal/queue"
	"github.com/faultline-io/faultline/internal/storage"
)

const (
	name                = "ingester"
	metricsShutdownWait = 5 * time.Second
)

var (
	errNoDatabase     = errors.New("DATABASE_URL is required")
	errInProcessQueue = errors.New("the memory queue cannot be shared with the API server; use postgres or kafka")
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s %s\n", name, api.Version) //nolint:forbidigo

		return
	}

	if err := run(); err != nil {
		slog.Error("ingester stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := config.NewLogger(config.GetEnvLogLevel("FAULTLINE_LOG_LEVEL", slog.LevelInfo))
	slog.SetDefault(logger)

	storageConfig := storage.LoadConfig()
	if !storageConfig.Configured() {
		return errNoDatabase
	}

	queueConfig := queue.LoadConfig()
	if queueConfig.Backend == queue.BackendMemory {
		return errInProcessQueue
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	defer func() { _ = conn.Close() }()

	store, err := storage.NewPostgresStore(conn, storage.WithStoreLogger(logger))
	if err != nil {
		return err
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

	agg, err := aggregation.New(store,
		aggregation.WithCache(groupCache),
		aggregation.WithProjectResolver(aliasing.NewResolver(aliasConfig)),
		aggregation.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	worker, err := queue.NewWorker(q, agg,
		queue.WithWorkers(queueConfig.Workers),
		queue.WithWorkerLogger(logger),
	)
	if err != nil {
		return err
	}

	if m, ok := q.(queue.Maintainer); ok {
		scheduler, err := queue.ScheduleMaintenance(ctx, m, queueConfig.MaintenanceSchedule, logger)
		if err != nil {
			return err
		}

		defer func() { <-scheduler.Stop().Done() }()
	}

	logger.Info("Starting faultline ingester",
		slog.String("version", api.Version),
		slog.String("queue_backend", queueConfig.Backend),
		slog.Int("workers", queueConfig.Workers),
		slog.String("maintenance_schedule", queueConfig.MaintenanceSchedule),
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.Run(ctx)
	})

	// Workers have no API server, so they expose their own /metrics.
	if addr := config.GetEnvStr("FAULTLINE_INGESTER_METRICS_ADDR", ":9091"); addr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, addr, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Ingester stopped")

	return nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: metricsShutdownWait}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownWait)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving ingester metrics", slog.String("address", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}

	return nil
}
