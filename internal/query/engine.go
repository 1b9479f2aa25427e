package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/metrics"
)

// DefaultMaxJoinScan caps the occurrences one filtered listing reads.
const DefaultMaxJoinScan = 100_000

var (
	// ErrUnknownOccurrenceParent is returned when occurrences are requested for a group that does not exist.
	ErrUnknownOccurrenceParent = errors.New("unknown occurrence parent group")

	// ErrInvalidMinutes is returned when a stats window is not a non-negative integer.
	ErrInvalidMinutes = errors.New("minutes must be non-negative integers")

	// ErrInvalidPage is returned for a negative page number, a non-positive page size, or a
	// page whose offset does not fit in an int.
	ErrInvalidPage = errors.New("invalid page")

	// ErrNilStore is returned by NewEngine when no store is supplied.
	ErrNilStore = errors.New("query engine requires a store")
)

type (
	// Engine answers group and occurrence queries.
	//
	// Group-level queries go straight to the Store. When a listing filters on
	// occurrence-level attributes (environment, server, affected user), the engine performs
	// a read-time join: matching occurrences are bucketed per group, and each active group
	// with a non-empty bucket is reported with count, lastOccurrence, environments and
	// servers derived from its matching occurrences only.
	Engine struct {
		store       Store
		resolver    aggregation.ProjectResolver
		maxJoinScan int
		now         func() time.Time
		logger      *slog.Logger
	}

	// Option configures optional Engine behavior.
	Option func(*Engine)

	// GroupQuery selects a slice of the group listing.
	GroupQuery struct {
		Project string
		Filter  OccurrenceFilter
		Limit   int
		Offset  int
	}

	// Page is one fixed-size page of the group listing.
	Page struct {
		Groups   []*aggregation.ErrorGroup `json:"groups"`
		Page     int                       `json:"page"`
		HasMore  bool                      `json:"hasMore"`
		NextPage int                       `json:"nextPage,omitempty"`
	}

	// bucket accumulates the matching occurrences of one group.
	bucket struct {
		count        int64
		last         time.Time
		environments aggregation.StringSet
		servers      aggregation.StringSet
	}
)

// WithProjectResolver applies project aliases to the project filter.
func WithProjectResolver(r aggregation.ProjectResolver) Option {
	return func(e *Engine) {
		e.resolver = r
	}
}

// WithMaxJoinScan caps the occurrences a filtered listing reads. Non-positive values keep the default.
func WithMaxJoinScan(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxJoinScan = n
		}
	}
}

// WithClock sets the time source for trailing-window stats.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a query Engine over store.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	e := &Engine{
		store:       store,
		maxJoinScan: DefaultMaxJoinScan,
		now:         time.Now,
		logger:      config.NewLogger(config.GetEnvLogLevel("FAULTLINE_LOG_LEVEL", slog.LevelInfo)),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// ListGroups returns active groups newest first, skipping q.Offset and returning at most q.Limit.
//
// With an occurrence-level filter the result is a derived view (see Engine); groups with no
// matching occurrence are omitted. Pagination is applied while the joined sequence is being
// produced, so the store cursor is released as soon as the page is full.
func (e *Engine) ListGroups(ctx context.Context, q GroupQuery) ([]*aggregation.ErrorGroup, error) {
	if q.Limit <= 0 {
		return []*aggregation.ErrorGroup{}, nil
	}

	q.Offset = max(q.Offset, 0)
	project := e.canonicalProject(q.Project)

	if q.Filter.IsEmpty() {
		groups, err := e.store.ListActiveGroups(ctx, project, q.Limit, q.Offset)
		if err != nil {
			return nil, fmt.Errorf("list groups: %w", err)
		}

		return groups, nil
	}

	buckets, err := e.bucketOccurrences(ctx, project, q.Filter)
	if err != nil {
		return nil, err
	}

	if len(buckets) == 0 {
		return []*aggregation.ErrorGroup{}, nil
	}

	groups, err := paginate(e.joinGroups(ctx, project, buckets), q.Offset, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	return groups, nil
}

// ListGroupPage returns page number page (zero-based) of pageSize groups.
// One extra row is requested to decide HasMore.
func (e *Engine) ListGroupPage(
	ctx context.Context,
	project string,
	filter OccurrenceFilter,
	page, pageSize int,
) (*Page, error) {
	if page < 0 || pageSize <= 0 {
		return nil, fmt.Errorf("%w: page=%d size=%d", ErrInvalidPage, page, pageSize)
	}

	// page*pageSize + pageSize + 1 must not overflow.
	if pageSize > math.MaxInt-1 || page > (math.MaxInt-1-pageSize)/pageSize {
		return nil, fmt.Errorf("%w: page=%d size=%d is out of range", ErrInvalidPage, page, pageSize)
	}

	groups, err := e.ListGroups(ctx, GroupQuery{
		Project: project,
		Filter:  filter,
		Limit:   pageSize + 1,
		Offset:  page * pageSize,
	})
	if err != nil {
		return nil, err
	}

	result := &Page{Groups: groups, Page: page}

	if len(groups) > pageSize {
		result.Groups = groups[:pageSize]
		result.HasMore = true
		result.NextPage = page + 1
	}

	return result, nil
}

// GetGroup returns one group by id, or aggregation.ErrUnknownGroup.
func (e *Engine) GetGroup(ctx context.Context, id string) (*aggregation.ErrorGroup, error) {
	return e.store.GetGroup(ctx, id)
}

// ListOccurrences returns up to limit occurrences of a group matching filter, newest first.
// Returns ErrUnknownOccurrenceParent if the group does not exist.
func (e *Engine) ListOccurrences(
	ctx context.Context,
	groupID string,
	filter OccurrenceFilter,
	limit int,
) ([]*aggregation.Occurrence, error) {
	if _, err := e.store.GetGroup(ctx, groupID); err != nil {
		if errors.Is(err, aggregation.ErrUnknownGroup) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOccurrenceParent, groupID)
		}

		return nil, fmt.Errorf("list occurrences: %w", err)
	}

	if limit <= 0 {
		return []*aggregation.Occurrence{}, nil
	}

	occurrences, err := e.store.ListOccurrences(ctx, groupID, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}

	return occurrences, nil
}

// Stats counts occurrences dated within each trailing window of minutes, scoped to project
// or global when project is empty. An unknown project yields one zero per window.
func (e *Engine) Stats(ctx context.Context, project string, minutes []int) ([]int64, error) {
	counts := make([]int64, len(minutes))
	project = e.canonicalProject(project)

	if project != "" {
		exists, err := e.store.ProjectExists(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}

		if !exists {
			return counts, nil
		}
	}

	now := e.now()

	for i, m := range minutes {
		if m < 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidMinutes, m)
		}

		count, err := e.store.CountOccurrencesSince(ctx, project, now.Add(-time.Duration(m)*time.Minute))
		if err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}

		counts[i] = count
	}

	return counts, nil
}

// ParseMinutes parses a whitespace-separated list of window sizes, e.g. "10 60".
func ParseMinutes(s string) ([]int, error) {
	fields := strings.Fields(s)
	minutes := make([]int, 0, len(fields))

	for _, f := range fields {
		m, err := strconv.Atoi(f)
		if err != nil || m < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMinutes, f)
		}

		minutes = append(minutes, m)
	}

	return minutes, nil
}

// FormatCounts renders counts space-separated, e.g. "2 3".
func FormatCounts(counts []int64) string {
	parts := make([]string, len(counts))
	for i, c := range counts {
		parts[i] = strconv.FormatInt(c, 10)
	}

	return strings.Join(parts, " ")
}

// bucketOccurrences reads matching occurrences (capped at maxJoinScan) and aggregates them per group.
func (e *Engine) bucketOccurrences(
	ctx context.Context,
	project string,
	filter OccurrenceFilter,
) (map[string]*bucket, error) {
	buckets := make(map[string]*bucket)
	scanned := 0

	for occ, err := range e.store.MatchingOccurrences(ctx, project, filter, e.maxJoinScan) {
		if err != nil {
			return nil, fmt.Errorf("scan occurrences: %w", err)
		}

		scanned++

		b, ok := buckets[occ.GroupID]
		if !ok {
			b = &bucket{
				environments: aggregation.NewStringSet(),
				servers:      aggregation.NewStringSet(),
			}
			buckets[occ.GroupID] = b
		}

		b.add(occ)
	}

	metrics.JoinScanned.Observe(float64(scanned))

	if scanned >= e.maxJoinScan {
		e.logger.Warn("occurrence scan reached its cap; derived counts may be low",
			slog.Int("max_join_scan", e.maxJoinScan),
			slog.String("project", project),
		)
	}

	return buckets, nil
}

// joinGroups yields the derived view of each active group that has a bucket, in listing order.
func (e *Engine) joinGroups(
	ctx context.Context,
	project string,
	buckets map[string]*bucket,
) iter.Seq2[*aggregation.ErrorGroup, error] {
	ids := slices.Sorted(maps.Keys(buckets))

	return func(yield func(*aggregation.ErrorGroup, error) bool) {
		for group, err := range e.store.ActiveGroups(ctx, project, ids) {
			if err != nil {
				yield(nil, err)

				return
			}

			b, ok := buckets[group.ID]
			if !ok || b.count == 0 {
				continue
			}

			if !yield(b.apply(group), nil) {
				return
			}
		}
	}
}

func (e *Engine) canonicalProject(name string) string {
	if e.resolver == nil || name == "" {
		return name
	}

	return e.resolver.ResolveProject(name)
}

func (b *bucket) add(occ *aggregation.Occurrence) {
	b.count++

	if occ.Date.After(b.last) {
		b.last = occ.Date
	}

	b.environments.Add(occ.Environment)
	b.servers.Add(occ.Server)
}

// apply returns a copy of group with the bucket's derived aggregates.
func (b *bucket) apply(group *aggregation.ErrorGroup) *aggregation.ErrorGroup {
	view := group.Clone()
	view.Count = b.count
	view.LastOccurrence = b.last
	view.Environments = b.environments.Clone()
	view.Servers = b.servers.Clone()

	return view
}

// paginate drains seq, skipping offset items and stopping after limit.
func paginate[T any](seq iter.Seq2[T, error], offset, limit int) ([]T, error) {
	out := make([]T, 0, limit)
	skipped := 0

	for item, err := range seq {
		if err != nil {
			return nil, err
		}

		if skipped < offset {
			skipped++

			continue
		}

		out = append(out, item)
		if len(out) == limit {
			break
		}
	}

	return out, nil
}
