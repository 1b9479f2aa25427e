package api

import (
	"net/http"

	"github.com/faultline-io/faultline/internal/query"
)

const defaultStatsMinutes = "60"

// handleStats handles GET /api/v1/stats?minutes=10+60&project=.
//
// The response is text/plain: one occurrence count per window, space separated, in the
// order the windows were given. An unknown project yields one 0 per window.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	raw := values.Get("minutes")
	if raw == "" {
		raw = defaultStatsMinutes
	}

	minutes, err := query.ParseMinutes(raw)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	counts, err := s.services.Engine.Stats(r.Context(), values.Get("project"), minutes)
	if err != nil {
		s.writeQueryError(w, r, "Failed to compute stats", err)

		return
	}

	s.writeText(w, r, http.StatusOK, query.FormatCounts(counts))
}
