package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/faultline-io/faultline/internal/metrics"
)

const unmatchedRoute = "unmatched"

// Metrics records request counts and latency per route pattern.
//
// The route label is the ServeMux pattern that matched (e.g. "GET /api/v1/groups/{id}"),
// which keeps label cardinality bounded. It must wrap the mux directly: the mux records
// the pattern on the request value it receives.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			}

			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
