package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/api/middleware"
	"github.com/faultline-io/faultline/internal/metrics"
	"github.com/faultline-io/faultline/internal/queue"
)

// handleIngestReport handles POST /api/v1/reports.
//
// The payload is validated synchronously so a malformed report is answered with 400 and
// never reaches the queue. An accepted report is enqueued verbatim, keyed by project,
// and answered with 202 and the queue item id; aggregation happens in the workers.
//
//   - 415: Content-Type is not application/json
//   - 413: body exceeds MaxRequestSize
//   - 400: empty body, invalid JSON, or MalformedReport
//   - 503: the queue rejected the item; a full queue adds Retry-After
func (s *Server) handleIngestReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	body, problem := s.readReportBody(w, r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	report, err := aggregation.ParseReport(body)
	if err == nil {
		err = s.validator.Validate(report)
	}

	if err != nil {
		metrics.ReportsProcessed.WithLabelValues(metrics.OutcomeRejected).Inc()
		s.logger.Warn("Rejected malformed report",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	id, err := s.services.Queue.Enqueue(ctx, body, report.Project)
	if errors.Is(err, queue.ErrQueueFull) {
		s.logger.Warn("Report queue full, shedding report",
			slog.String("correlation_id", correlationID),
			slog.String("project", report.Project),
		)
		w.Header().Set("Retry-After", "1")
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Report queue full, retry later"))

		return
	}

	if err != nil {
		s.logger.Error("Failed to enqueue report",
			slog.String("correlation_id", correlationID),
			slog.String("project", report.Project),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Report queue unavailable, retry later"))

		return
	}

	metrics.ReportsAccepted.Inc()
	s.logger.Debug("Report accepted",
		slog.String("correlation_id", correlationID),
		slog.String("queue_id", id),
		slog.String("project", report.Project),
		slog.String("type", report.Type),
	)

	s.writeJSON(w, r, http.StatusAccepted, ReportAccepted{
		ID:            id,
		Status:        "queued",
		CorrelationID: correlationID,
	})
}

// readReportBody reads the whole body, bounded by MaxRequestSize.
func (s *Server) readReportBody(w http.ResponseWriter, r *http.Request) ([]byte, *ProblemDetail) {
	tooLarge := PayloadTooLarge(fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize))

	if r.ContentLength > s.config.MaxRequestSize {
		return nil, tooLarge
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, tooLarge
		}

		return nil, BadRequest("Failed to read request body")
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	return body, nil
}
