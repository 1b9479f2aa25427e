// Package api provides the faultline HTTP API: report intake, group queries, resolution and stats.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/api/middleware"
	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/query"
	"github.com/faultline-io/faultline/internal/queue"
	"github.com/faultline-io/faultline/internal/storage"
)

// Version is the build version reported by /health. Set with -ldflags "-X ...api.Version=v1.2.3".
var Version = "dev" //nolint: gochecknoglobals

// ErrMissingService is returned by NewServer when a required service is nil.
var ErrMissingService = errors.New("missing required service")

type (
	// Services are the runtime dependencies of the server, kept apart from ServerConfig.
	Services struct {
		// Queue receives accepted report payloads.
		Queue queue.Queue
		// Aggregator resolves and clears groups.
		Aggregator *aggregation.Aggregator
		// Engine answers read queries.
		Engine *query.Engine
		// KeyStore authenticates callers. Nil disables authentication.
		KeyStore storage.APIKeyStore
		// RateLimiter throttles callers. Nil disables rate limiting.
		RateLimiter middleware.RateLimiter
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer *http.Server
		handler    http.Handler
		logger     *slog.Logger
		config     *ServerConfig
		startTime  time.Time
		services   Services
		validator  *aggregation.Validator
	}
)

// NewServer builds the route table and middleware chain.
//
// Middleware order, outermost first:
//  1. CorrelationID
//  2. Recovery
//  3. Authentication (optional)
//  4. RateLimit (optional)
//  5. RequestLogger
//  6. CORS
//  7. Metrics, wrapping the mux directly
func NewServer(cfg *ServerConfig, services Services) (*Server, error) {
	switch {
	case services.Queue == nil:
		return nil, fmt.Errorf("%w: queue", ErrMissingService)
	case services.Aggregator == nil:
		return nil, fmt.Errorf("%w: aggregator", ErrMissingService)
	case services.Engine == nil:
		return nil, fmt.Errorf("%w: query engine", ErrMissingService)
	}

	logger := config.NewLogger(cfg.LogLevel)

	server := &Server{
		logger:    logger,
		config:    cfg,
		services:  services,
		validator: aggregation.NewValidator(),
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	if services.KeyStore != nil {
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("APIKeyStore not configured - authentication disabled")
	}

	if services.RateLimiter != nil {
		logger.Info("Rate limiting enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting disabled")
	}

	server.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuthentication(services.KeyStore, logger),
		middleware.WithRateLimit(services.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
		middleware.WithMetrics(),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      server.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully within the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting faultline API server",
			slog.String("address", s.config.Address()),
			slog.String("version", Version),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutdown requested")

		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// The rate limiter owns a cleanup goroutine; the stores and queue belong to the caller.
	if closer, ok := s.services.RateLimiter.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("Server shutdown completed")

	return nil
}
