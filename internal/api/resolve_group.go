package api

import (
	"log/slog"
	"net/http"

	"github.com/faultline-io/faultline/internal/api/middleware"
)

// handleResolveGroup handles POST /api/v1/groups/{id}/resolve. Resolving an already
// resolved group succeeds.
func (s *Server) handleResolveGroup(w http.ResponseWriter, r *http.Request) {
	if _, err := s.services.Aggregator.Resolve(r.Context(), r.PathValue("id")); err != nil {
		s.writeQueryError(w, r, "Failed to resolve group", err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleClearGroups handles DELETE /api/v1/groups: every group and occurrence is deleted
// and the cache flushed. Projects are kept.
func (s *Server) handleClearGroups(w http.ResponseWriter, r *http.Request) {
	clientID := ""
	if clientCtx, ok := middleware.GetClientContext(r.Context()); ok {
		clientID = clientCtx.ClientID
	}

	if err := s.services.Aggregator.Clear(r.Context()); err != nil {
		s.writeQueryError(w, r, "Failed to clear groups", err)

		return
	}

	s.logger.Warn("Error groups cleared via API",
		slog.String("client_id", clientID),
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
	)

	s.writeJSON(w, r, http.StatusOK, StatusResponse{Status: "ok"})
}
