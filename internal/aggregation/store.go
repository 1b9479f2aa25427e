package aggregation

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrUnknownGroup is returned when a group id does not exist.
	ErrUnknownGroup = errors.New("unknown error group")

	// ErrGroupInactive is returned by MergeOccurrence when the target group was resolved
	// (or removed) after it was looked up. The caller re-resolves the report.
	ErrGroupInactive = errors.New("error group is not active")
)

// Store defines the write-side persistence the Aggregator needs.
//
// The domain package defines this interface; concrete implementations
// (PostgreSQL, in-memory) live in internal/storage.
//
// Implementations must guarantee:
//   - A group is never written without its occurrence (CreateGroup and MergeOccurrence are atomic)
//   - MergeOccurrence applies ErrorGroup.Merge semantics against the stored row, so concurrent
//     merges do not lose increments and older occurrences never overwrite newer state
type Store interface {
	// GetOrCreateProject returns the project with the given name, inserting it if absent.
	GetOrCreateProject(ctx context.Context, name string) (*Project, error)

	// FindActiveGroups returns the active groups of a project carrying a fingerprint,
	// oldest first. More than one result means a fingerprint collision (or a create race).
	FindActiveGroups(ctx context.Context, project, fingerprint string) ([]*ErrorGroup, error)

	// CreateGroup inserts a new group together with its first occurrence.
	CreateGroup(ctx context.Context, group *ErrorGroup, occ *Occurrence) error

	// MergeOccurrence folds occ into the active group groupID, appends occ, and returns
	// the updated group. Returns ErrGroupInactive if the group is inactive or missing.
	MergeOccurrence(ctx context.Context, groupID string, occ *Occurrence, backtrace string) (*ErrorGroup, error)

	// GetGroup returns a group by id, or ErrUnknownGroup.
	GetGroup(ctx context.Context, id string) (*ErrorGroup, error)

	// DeactivateGroup marks a group inactive. Returns the group and whether it changed
	// (false when it was already inactive), or ErrUnknownGroup.
	DeactivateGroup(ctx context.Context, id string) (*ErrorGroup, bool, error)

	// ClearAll deletes every group and occurrence. Projects are kept.
	ClearAll(ctx context.Context) error

	// HealthCheck verifies the storage backend is ready.
	HealthCheck(ctx context.Context) error
}

// GroupCache is a best-effort accelerator mapping CacheKey(project, fingerprint) to a
// group snapshot. It is never authoritative: a miss or a stale entry degrades to a
// Store read, and Set failures are silently dropped.
type GroupCache interface {
	Get(key string) (*ErrorGroup, bool)
	Set(key string, group *ErrorGroup)
	Delete(key string)
	Purge()
}

// ProjectResolver maps a reporter-supplied project name to its canonical name.
type ProjectResolver interface {
	ResolveProject(name string) string
}
