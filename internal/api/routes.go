package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/faultline-io/faultline/internal/api/middleware"
	"github.com/faultline-io/faultline/internal/metrics"
	"github.com/faultline-io/faultline/internal/storage"
)

const (
	healthCheckTimeout     = 2 * time.Second
	expectedURLParts       = 2
	contentTypeProblemJSON = "application/problem+json"
	contentTypeJSON        = "application/json"
	serviceName            = "faultline"
)

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},
		Route{"GET /ready", s.handleReady},
		Route{"GET /health", s.handleHealth},
		Route{"GET /metrics", metrics.Handler().ServeHTTP},
		Route{"/", s.handleNotFound},
	)

	mux.Handle("POST /api/v1/reports", s.protect(storage.PermissionReportsWrite, s.handleIngestReport))

	mux.Handle("GET /api/v1/groups", s.protect(storage.PermissionGroupsRead, s.handleListGroups))
	mux.Handle("GET /api/v1/groups/{id}", s.protect(storage.PermissionGroupsRead, s.handleGetGroup))
	mux.Handle("GET /api/v1/groups/{id}/occurrences", s.protect(storage.PermissionGroupsRead, s.handleListOccurrences))
	mux.Handle("POST /api/v1/groups/{id}/resolve", s.protect(storage.PermissionGroupsResolve, s.handleResolveGroup))
	mux.Handle("DELETE /api/v1/groups", s.protect(storage.PermissionAdmin, s.handleClearGroups))

	mux.Handle("GET /api/v1/stats", s.protect(storage.PermissionStatsRead, s.handleStats))
}

// protect wraps a handler with a permission check.
func (s *Server) protect(permission string, handler http.HandlerFunc) http.Handler {
	return middleware.RequirePermission(permission, s.logger, handler)
}

// registerPublicRoutes registers routes that bypass authentication.
// Only probes and the metrics endpoint belong here.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// "GET /ping" is matched against r.URL.Path, which carries no method.
		path := route.Path
		if parts := strings.Fields(path); len(parts) == expectedURLParts {
			path = parts[1]
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeText(w, r, http.StatusOK, "pong")
}

// handleReady reports 503 when the group store or key store is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := []readinessCheck{{"group store", s.services.Aggregator.HealthCheck}}
	if s.services.KeyStore != nil {
		checks = append(checks, readinessCheck{"key store", s.services.KeyStore.HealthCheck})
	}

	for _, c := range checks {
		if err := c.check(ctx); err != nil {
			s.logger.Error("Readiness check failed",
				slog.String("component", c.name),
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("error", err.Error()),
			)

			s.writeText(w, r, http.StatusServiceUnavailable, c.name+" unavailable")

			return
		}
	}

	s.writeText(w, r, http.StatusOK, "ready")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     Version,
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals v before writing headers so an encoding failure can still become a 500.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) writeText(w http.ResponseWriter, r *http.Request, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// hasJSONContentType accepts application/json with optional parameters such as charset.
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), contentTypeJSON)
}
