package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/api/middleware"
	"github.com/faultline-io/faultline/internal/query"
)

// paramError represents a query parameter validation error.
type paramError struct {
	param string
	msg   string
}

func (e *paramError) Error() string {
	return "Invalid parameter '" + e.param + "': " + e.msg
}

// parseOccurrenceFilter reads environment, server and affectedUser.
func parseOccurrenceFilter(values url.Values) (query.OccurrenceFilter, error) {
	filter := query.OccurrenceFilter{
		Environment: values.Get("environment"),
		Server:      values.Get("server"),
	}

	if raw := values.Get("affectedUser"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, &paramError{param: "affectedUser", msg: "must be an integer"}
		}

		filter.AffectedUser = &id
	}

	return filter, nil
}

// parseNonNegative reads an optional non-negative integer parameter.
func parseNonNegative(values url.Values, name string, fallback int) (int, error) {
	raw := values.Get(name)
	if raw == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &paramError{param: name, msg: "must be a non-negative integer"}
	}

	return n, nil
}

// handleListGroups handles GET /api/v1/groups.
//
// Query parameters: project, environment, server, affectedUser, page (zero-based).
// Page size is fixed by configuration; hasMore and nextPage describe the following page.
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	filter, err := parseOccurrenceFilter(values)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	page, err := parseNonNegative(values, "page", 0)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	result, err := s.services.Engine.ListGroupPage(r.Context(), values.Get("project"), filter, page, s.config.PageSize)
	if err != nil {
		s.writeQueryError(w, r, "Failed to list groups", err)

		return
	}

	response := GroupListResponse{
		Groups:   result.Groups,
		Page:     result.Page,
		PageSize: s.config.PageSize,
		HasMore:  result.HasMore,
	}

	if result.HasMore {
		next := result.NextPage
		response.NextPage = &next
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// handleGetGroup handles GET /api/v1/groups/{id}. Resolved groups are still returned.
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	filter, err := parseOccurrenceFilter(r.URL.Query())
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	group, err := s.services.Engine.GetGroup(r.Context(), id)
	if err != nil {
		s.writeQueryError(w, r, "Failed to load group", err)

		return
	}

	occurrences, err := s.services.Engine.ListOccurrences(r.Context(), id, filter, s.config.OccurrenceLimit)
	if err != nil {
		s.writeQueryError(w, r, "Failed to list occurrences", err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, GroupDetailResponse{Group: group, Occurrences: occurrences})
}

// handleListOccurrences handles GET /api/v1/groups/{id}/occurrences.
// limit defaults to and is capped at the configured occurrence limit.
func (s *Server) handleListOccurrences(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	values := r.URL.Query()

	filter, err := parseOccurrenceFilter(values)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	limit, err := parseNonNegative(values, "limit", s.config.OccurrenceLimit)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	occurrences, err := s.services.Engine.ListOccurrences(r.Context(), id, filter, min(limit, s.config.OccurrenceLimit))
	if err != nil {
		s.writeQueryError(w, r, "Failed to list occurrences", err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, OccurrenceListResponse{GroupID: id, Occurrences: occurrences})
}

// writeQueryError maps engine errors: unknown group or parent → 404, bad paging → 400, else 500.
func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, aggregation.ErrUnknownGroup), errors.Is(err, query.ErrUnknownOccurrenceParent):
		WriteErrorResponse(w, r, s.logger, NotFound("Error group "+r.PathValue("id")+" not found"))
	case errors.Is(err, query.ErrInvalidPage), errors.Is(err, query.ErrInvalidMinutes):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	default:
		s.logger.ErrorContext(r.Context(), msg,
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError(msg))
	}
}
