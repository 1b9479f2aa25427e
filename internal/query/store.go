// Package query answers read-side questions about error groups: filtered and paginated
// group listings, the occurrences of one group, and trailing-window occurrence counts.
package query

import (
	"context"
	"iter"
	"time"

	"github.com/faultline-io/faultline/internal/aggregation"
)

// OccurrenceFilter selects occurrences by exact match. Zero-valued fields match anything.
type OccurrenceFilter struct {
	Environment  string
	Server       string
	AffectedUser *int64
}

// IsEmpty reports whether the filter matches every occurrence.
func (f OccurrenceFilter) IsEmpty() bool {
	return f.Environment == "" && f.Server == "" && f.AffectedUser == nil
}

// Matches reports whether occ satisfies every set field of the filter.
func (f OccurrenceFilter) Matches(occ *aggregation.Occurrence) bool {
	if f.Environment != "" && occ.Environment != f.Environment {
		return false
	}

	if f.Server != "" && occ.Server != f.Server {
		return false
	}

	if f.AffectedUser != nil && (occ.AffectedUser == nil || *occ.AffectedUser != *f.AffectedUser) {
		return false
	}

	return true
}

// Store defines the read-side persistence the Engine needs.
//
// Ordering used everywhere: newest first (lastOccurrence for groups, date for occurrences),
// ties broken by storage order, newest stored first.
//
// Iterators hold a cursor open until the consumer stops ranging; stopping early releases it.
type Store interface {
	// ListActiveGroups returns one page of active groups, optionally scoped to a project.
	ListActiveGroups(ctx context.Context, project string, limit, offset int) ([]*aggregation.ErrorGroup, error)

	// ActiveGroups yields active groups in listing order, optionally scoped to a project
	// and restricted to ids (nil means all).
	ActiveGroups(ctx context.Context, project string, ids []string) iter.Seq2[*aggregation.ErrorGroup, error]

	// MatchingOccurrences yields at most limit occurrences matching filter, optionally
	// scoped to a project, in no particular order.
	MatchingOccurrences(
		ctx context.Context,
		project string,
		filter OccurrenceFilter,
		limit int,
	) iter.Seq2[*aggregation.Occurrence, error]

	// ListOccurrences returns up to limit occurrences of a group matching filter, newest first.
	ListOccurrences(
		ctx context.Context,
		groupID string,
		filter OccurrenceFilter,
		limit int,
	) ([]*aggregation.Occurrence, error)

	// GetGroup returns a group by id, or aggregation.ErrUnknownGroup.
	GetGroup(ctx context.Context, id string) (*aggregation.ErrorGroup, error)

	// ProjectExists reports whether a project has been created.
	ProjectExists(ctx context.Context, name string) (bool, error)

	// CountOccurrencesSince counts occurrences dated at or after since, optionally scoped to a project.
	CountOccurrencesSince(ctx context.Context, project string, since time.Time) (int64, error)
}
