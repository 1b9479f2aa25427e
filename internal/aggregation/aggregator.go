package aggregation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/faultline-io/faultline/internal/canonicalization"
	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/metrics"
)

var (
	// ErrNilStore is returned by New when no store is supplied.
	ErrNilStore = errors.New("aggregator requires a store")

	// ErrIngestFailed wraps storage failures during ingestion. These are retriable.
	ErrIngestFailed = errors.New("ingestion failed")
)

type (
	// Aggregator resolves each report to an existing active ErrorGroup or creates one,
	// updates the group's running aggregates, and appends the occurrence.
	//
	// Resolution order:
	//  1. Cache entry for (project, fingerprint), trusted without re-checking the backtrace
	//  2. Active groups with the fingerprint from the Store, first whose normalized backtrace matches
	//  3. A new group
	//
	// Safe for concurrent use. Two concurrent first-seen reports for the same fingerprint
	// may each create a group; the race is accepted.
	Aggregator struct {
		store       Store
		cache       GroupCache // optional
		resolver    ProjectResolver
		normalize   canonicalization.Normalizer
		fingerprint canonicalization.FingerprintFunc
		validator   *Validator
		logger      *slog.Logger

		projectFlight singleflight.Group
		knownProjects sync.Map
	}

	// Option configures optional Aggregator behavior.
	Option func(*Aggregator)

	// Result describes the outcome of one ingestion.
	Result struct {
		Group      *ErrorGroup
		Occurrence *Occurrence
		Created    bool
	}
)

// WithCache enables the write-through group cache.
func WithCache(c GroupCache) Option {
	return func(a *Aggregator) {
		a.cache = c
	}
}

// WithNormalizer replaces the default backtrace normalizer.
func WithNormalizer(n canonicalization.Normalizer) Option {
	return func(a *Aggregator) {
		if n != nil {
			a.normalize = n
		}
	}
}

// WithFingerprint replaces the default fingerprint function.
func WithFingerprint(f canonicalization.FingerprintFunc) Option {
	return func(a *Aggregator) {
		if f != nil {
			a.fingerprint = f
		}
	}
}

// WithProjectResolver maps reporter-supplied project names to canonical names before grouping.
//
// Example:
//
//	resolver := aliasing.NewResolver(cfg)
//	agg, err := aggregation.New(store, aggregation.WithProjectResolver(resolver))
func WithProjectResolver(r ProjectResolver) Option {
	return func(a *Aggregator) {
		a.resolver = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an Aggregator over store. Returns ErrNilStore if store is nil.
func New(store Store, opts ...Option) (*Aggregator, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	a := &Aggregator{
		store:       store,
		normalize:   canonicalization.NormalizeBacktrace,
		fingerprint: canonicalization.Fingerprint,
		validator:   NewValidator(),
		logger:      config.NewLogger(config.GetEnvLogLevel("FAULTLINE_LOG_LEVEL", slog.LevelInfo)),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Ingest merges one report into its error group.
//
// Returns an error wrapping ErrMalformedReport when the report is invalid; nothing is
// persisted in that case. Storage failures wrap ErrIngestFailed and may be retried:
// a retry after a partial failure never leaves an orphan group or occurrence, though a
// retry after a successful merge counts the occurrence twice.
func (a *Aggregator) Ingest(ctx context.Context, report *Report) (*Result, error) {
	start := time.Now()

	if err := a.validator.Validate(report); err != nil {
		return nil, err
	}

	// Validate already checked both; the errors cannot recur.
	level, _ := ParseLevel(report.Level)
	affectedUser, _ := AffectedUser(report.Context)

	project := a.canonicalProject(report.Project)
	if err := a.ensureProject(ctx, project); err != nil {
		return nil, fmt.Errorf("%w: project %q: %w", ErrIngestFailed, project, err)
	}

	normalized := a.normalize(report.Backtrace)
	fingerprint := a.fingerprint(report.Type, normalized)
	key := CacheKey(project, fingerprint)

	occ := &Occurrence{
		ID:           uuid.NewString(),
		Project:      project,
		Environment:  report.Environment,
		Server:       report.ServerName,
		Date:         time.Unix(*report.Timestamp, 0).UTC(),
		Message:      report.MessageOrEmpty(),
		LogMessage:   report.LogMessage,
		Context:      contextBlob(report.Context),
		AffectedUser: affectedUser,
	}

	group, err := a.mergeExisting(ctx, key, project, fingerprint, normalized, occ, report.Backtrace)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIngestFailed, err)
	}

	created := group == nil
	if created {
		group = &ErrorGroup{
			ID:              uuid.NewString(),
			Project:         project,
			Fingerprint:     fingerprint,
			Type:            canonicalization.CanonicalTypeLabel(report.Type),
			Backtrace:       report.Backtrace,
			Active:          true,
			Count:           1,
			Level:           level,
			FirstOccurrence: occ.Date,
			LastOccurrence:  occ.Date,
			LastMessage:     canonicalization.TruncateMessage(occ.Message),
			Environments:    NewStringSet(occ.Environment),
			Servers:         NewStringSet(occ.Server),
		}
		occ.GroupID = group.ID

		if err := a.store.CreateGroup(ctx, group, occ); err != nil {
			return nil, fmt.Errorf("%w: create group: %w", ErrIngestFailed, err)
		}
	}

	a.cacheSet(key, group)

	outcome := metrics.OutcomeMerged
	if created {
		outcome = metrics.OutcomeCreated
	}

	metrics.ReportsProcessed.WithLabelValues(outcome).Inc()
	metrics.IngestDuration.Observe(time.Since(start).Seconds())

	a.logger.Info("report aggregated",
		slog.String("group_id", group.ID),
		slog.String("project", project),
		slog.String("fingerprint", fingerprint),
		slog.String("outcome", outcome),
		slog.Int64("count", group.Count),
		slog.Duration("duration", time.Since(start)),
	)

	return &Result{Group: group, Occurrence: occ, Created: created}, nil
}

// mergeExisting folds occ into the matching active group and returns it, or returns
// (nil, nil) when no active group matches.
func (a *Aggregator) mergeExisting(
	ctx context.Context,
	key, project, fingerprint, normalized string,
	occ *Occurrence,
	backtrace string,
) (*ErrorGroup, error) {
	if cached, ok := a.cacheGet(key); ok {
		occ.GroupID = cached.ID

		updated, err := a.store.MergeOccurrence(ctx, cached.ID, occ, backtrace)
		if err == nil {
			metrics.CacheLookups.WithLabelValues(metrics.CacheHit).Inc()

			return updated, nil
		}

		if !errors.Is(err, ErrGroupInactive) {
			return nil, err
		}

		// Resolved elsewhere since it was cached.
		metrics.CacheLookups.WithLabelValues(metrics.CacheStale).Inc()
		a.cacheDelete(key)
	} else if a.cache != nil {
		metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
	}

	candidates, err := a.store.FindActiveGroups(ctx, project, fingerprint)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		if a.normalize(candidate.Backtrace) != normalized {
			a.logger.Debug("fingerprint collision",
				slog.String("project", project),
				slog.String("fingerprint", fingerprint),
				slog.String("group_id", candidate.ID),
			)

			continue
		}

		occ.GroupID = candidate.ID

		updated, err := a.store.MergeOccurrence(ctx, candidate.ID, occ, backtrace)
		if errors.Is(err, ErrGroupInactive) {
			continue
		}

		if err != nil {
			return nil, err
		}

		return updated, nil
	}

	occ.GroupID = ""

	return nil, nil //nolint:nilnil
}

// Resolve marks a group inactive and evicts its cache entry, so the next report with the
// same fingerprint opens a fresh group. Resolving an inactive group is a no-op.
//
// Returns ErrUnknownGroup when id does not exist.
func (a *Aggregator) Resolve(ctx context.Context, id string) (*ErrorGroup, error) {
	group, changed, err := a.store.DeactivateGroup(ctx, id)
	if err != nil {
		return nil, err
	}

	key := CacheKey(group.Project, group.Fingerprint)
	if cached, ok := a.cacheGet(key); ok && cached.ID == group.ID {
		a.cacheDelete(key)
	}

	if changed {
		metrics.GroupsResolved.Inc()
		a.logger.Info("group resolved",
			slog.String("group_id", group.ID),
			slog.String("project", group.Project),
		)
	}

	return group, nil
}

// Clear deletes all groups and occurrences and flushes the cache.
func (a *Aggregator) Clear(ctx context.Context) error {
	if err := a.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	if a.cache != nil {
		a.cache.Purge()
	}

	a.logger.Warn("all error groups cleared")

	return nil
}

// HealthCheck delegates to the store.
func (a *Aggregator) HealthCheck(ctx context.Context) error {
	return a.store.HealthCheck(ctx)
}

func (a *Aggregator) canonicalProject(name string) string {
	if a.resolver == nil {
		return name
	}

	return a.resolver.ResolveProject(name)
}

// ensureProject creates the project once per process; concurrent first references share one call.
func (a *Aggregator) ensureProject(ctx context.Context, name string) error {
	if _, ok := a.knownProjects.Load(name); ok {
		return nil
	}

	_, err, _ := a.projectFlight.Do(name, func() (any, error) {
		project, err := a.store.GetOrCreateProject(ctx, name)
		if err != nil {
			return nil, err
		}

		a.knownProjects.Store(name, struct{}{})

		return project, nil
	})

	return err
}

func (a *Aggregator) cacheGet(key string) (*ErrorGroup, bool) {
	if a.cache == nil {
		return nil, false
	}

	return a.cache.Get(key)
}

func (a *Aggregator) cacheSet(key string, group *ErrorGroup) {
	if a.cache != nil {
		a.cache.Set(key, group)
	}
}

func (a *Aggregator) cacheDelete(key string) {
	if a.cache != nil {
		a.cache.Delete(key)
	}
}

// contextBlob drops empty and null context blobs.
func contextBlob(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	return trimmed
}
