package api

import (
	"net/http"

	"github.com/faultline-io/faultline/internal/aggregation"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// ReportAccepted is the 202 response to POST /api/v1/reports.
	ReportAccepted struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		CorrelationID string `json:"correlationId"`
	}

	// GroupListResponse is one page of GET /api/v1/groups.
	GroupListResponse struct {
		Groups   []*aggregation.ErrorGroup `json:"groups"`
		Page     int                       `json:"page"`
		PageSize int                       `json:"pageSize"`
		HasMore  bool                      `json:"hasMore"`
		NextPage *int                      `json:"nextPage,omitempty"`
	}

	// GroupDetailResponse is GET /api/v1/groups/{id}: the stored group plus its most
	// recent occurrences matching the request filter.
	GroupDetailResponse struct {
		Group       *aggregation.ErrorGroup   `json:"group"`
		Occurrences []*aggregation.Occurrence `json:"occurrences"`
	}

	// OccurrenceListResponse is GET /api/v1/groups/{id}/occurrences.
	OccurrenceListResponse struct {
		GroupID     string                    `json:"groupId"`
		Occurrences []*aggregation.Occurrence `json:"occurrences"`
	}

	// StatusResponse is the body of mutating endpoints that return no entity.
	StatusResponse struct {
		Status string `json:"status"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	Route struct {
		Path    string
		Handler http.HandlerFunc
	}
)
