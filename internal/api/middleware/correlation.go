package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
)

const (
	correlationIDHeader = "X-Correlation-ID"
	correlationIDSize   = 8
	// maxCorrelationIDLength bounds caller-supplied ids before they reach logs.
	maxCorrelationIDLength = 128
)

type correlationIDKey struct{}

// CorrelationID tags each request with a correlation id, echoed in the X-Correlation-ID
// response header. A well-formed caller-supplied id is reused; otherwise a new one is generated.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(correlationIDHeader)
			if !validCorrelationID(correlationID) {
				correlationID = generateCorrelationID()
			}

			w.Header().Set(correlationIDHeader, correlationID)

			next.ServeHTTP(w, r.WithContext(WithCorrelationIDValue(r.Context(), correlationID)))
		})
	}
}

// WithCorrelationIDValue returns a copy of ctx carrying id.
func WithCorrelationIDValue(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// GetCorrelationID returns the request's correlation id, or "unknown".
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

// validCorrelationID accepts non-empty printable ASCII without spaces, up to 128 bytes.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLength {
		return false
	}

	for i := range len(id) {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}

	return true
}

// generateCorrelationID returns 16 hex chars from crypto/rand, or a UUID if the random source fails.
func generateCorrelationID() string {
	b := make([]byte, correlationIDSize)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}

	return hex.EncodeToString(b)
}
