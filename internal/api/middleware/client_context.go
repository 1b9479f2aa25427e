package middleware

import (
	"context"
	"slices"
	"time"

	"github.com/faultline-io/faultline/internal/storage"
)

type clientContextKey struct{}

// ClientContext describes the authenticated caller of a request.
type ClientContext struct {
	// ClientID names the application or operator the key was issued to.
	ClientID string

	// Name is the key's display name.
	Name string

	Permissions []string

	// KeyID is the id of the API key used, for audit logging.
	KeyID string

	AuthTime time.Time
}

// HasPermission reports whether the caller holds permission. Admin implies every permission.
func (c ClientContext) HasPermission(permission string) bool {
	return slices.Contains(c.Permissions, permission) || slices.Contains(c.Permissions, storage.PermissionAdmin)
}

// GetClientContext returns the authenticated caller, if any.
func GetClientContext(ctx context.Context) (ClientContext, bool) {
	clientCtx, ok := ctx.Value(clientContextKey{}).(ClientContext)

	return clientCtx, ok
}

// SetClientContext returns a copy of ctx carrying clientCtx.
func SetClientContext(ctx context.Context, clientCtx ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, clientCtx)
}
