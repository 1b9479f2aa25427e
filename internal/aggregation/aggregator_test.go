package aggregation_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/storage"
)

const pythonTrace = `Traceback (most recent call last):
  File "app.py", line 12, in handler
    total / count
ZeroDivisionError: division by zero`

// mapCache is a minimal GroupCache for exercising cache paths.
type mapCache struct {
	mu      sync.Mutex
	entries map[string]*aggregation.ErrorGroup
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*aggregation.ErrorGroup)}
}

func (c *mapCache) Get(key string) (*aggregation.ErrorGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.entries[key]

	return g.Clone(), ok
}

func (c *mapCache) Set(key string, group *aggregation.ErrorGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = group.Clone()
}

func (c *mapCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

func (c *mapCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*aggregation.ErrorGroup)
}

func (c *mapCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

type prefixResolver struct{}

func (prefixResolver) ResolveProject(name string) string {
	if name == "shop-legacy" {
		return "shop"
	}

	return name
}

func report(env string, ts int64, message string) *aggregation.Report {
	return &aggregation.Report{
		Project:     "shop",
		ServerName:  "web-1",
		Environment: env,
		Type:        "ZeroDivisionError",
		Backtrace:   pythonTrace,
		Message:     &message,
		Timestamp:   &ts,
	}
}

func newAggregator(t *testing.T, opts ...aggregation.Option) (*aggregation.Aggregator, *storage.InMemoryStore) {
	t.Helper()

	store := storage.NewInMemoryStore()

	agg, err := aggregation.New(store, opts...)
	require.NoError(t, err)

	return agg, store
}

func TestNew_NilStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := aggregation.New(nil)
	require.ErrorIs(t, err, aggregation.ErrNilStore)
}

func TestIngest_MergesIntoOneGroup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	agg, store := newAggregator(t)

	first, err := agg.Ingest(ctx, report("prod", 100, "first"))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, int64(1), first.Group.Count)

	second, err := agg.Ingest(ctx, report("staging", 200, "second"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Group.ID, second.Group.ID)

	third, err := agg.Ingest(ctx, report("prod", 150, "third"))
	require.NoError(t, err)
	assert.Equal(t, first.Group.ID, third.Group.ID)

	group, err := store.GetGroup(ctx, first.Group.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(3), group.Count)
	assert.Equal(t, time.Unix(100, 0).UTC(), group.FirstOccurrence)
	assert.Equal(t, time.Unix(200, 0).UTC(), group.LastOccurrence)
	assert.Equal(t, "second", group.LastMessage)
	assert.Equal(t, []string{"prod", "staging"}, group.Environments.Sorted())
	assert.Equal(t, "ZeroDivisionError", group.Type)
	assert.Equal(t, aggregation.LevelError, group.Level)
	assert.Len(t, group.Fingerprint, 32)
}

func TestIngest_OutOfOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	agg, _ := newAggregator(t)

	_, err := agg.Ingest(ctx, report("prod", 500, "newest"))
	require.NoError(t, err)

	late, err := agg.Ingest(ctx, report("prod", 100, "oldest"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), late.Group.Count)
	assert.Equal(t, time.Unix(100, 0).UTC(), late.Group.FirstOccurrence)
	assert.Equal(t, time.Unix(500, 0).UTC(), late.Group.LastOccurrence)
	assert.Equal(t, "newest", late.Group.LastMessage)
}

func TestIngest_NormalizedBacktracesShareGroup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	agg, _ := newAggregator(t)

	a := report("prod", 100, "")
	a.Backtrace = "goroutine 7 [running]:\nmain.run()\n\t/app/main.go:42 +0x1f"

	b := report("prod", 101, "")
	b.Backtrace = "goroutine 93 [running]:\nmain.run()\n\t/app/main.go:57 +0x2a"

	ra, err := agg.Ingest(ctx, a)
	require.NoError(t, err)

	rb, err := agg.Ingest(ctx, b)
	require.NoError(t, err)

	assert.Equal(t, ra.Group.ID, rb.Group.ID)
	assert.Equal(t, b.Backtrace, rb.Group.Backtrace)
}

func TestIngest_DifferentTypesSplit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	agg, _ := newAggregator(t)

	a, err := agg.Ingest(ctx, report("prod", 100, ""))
	require.NoError(t, err)

	other := report("prod", 100, "")
	other.Type = "KeyError"

	b, err := agg.Ingest(ctx, other)
	require.NoError(t, err)

	assert.NotEqual(t, a.Group.ID, b.Group.ID)
}

func TestIngest_FingerprintCollision(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	constant := func(string, string) string { return "00000000000000000000000000000000" }
	agg, store := newAggregator(t, aggregation.WithFingerprint(constant))

	a := report("prod", 100, "")
	b := report("prod", 101, "")
	b.Backtrace = "a completely different trace"

	ra, err := agg.Ingest(ctx, a)
	require.NoError(t, err)

	rb, err := agg.Ingest(ctx, b)
	require.NoError(t, err)
	assert.True(t, rb.Created)
	assert.NotEqual(t, ra.Group.ID, rb.Group.ID)

	rc, err := agg.Ingest(ctx, report("prod", 102, ""))
	require.NoError(t, err)
	assert.Equal(t, ra.Group.ID, rc.Group.ID)

	groups, err := store.FindActiveGroups(ctx, "shop", constant("", ""))
	require.NoError(t, err)
	assert.Len(t, groups, 2)
}

func TestIngest_MalformedReports(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		mutate func(r *aggregation.Report)
	}{
		{name: "missing project", mutate: func(r *aggregation.Report) { r.Project = "" }},
		{name: "missing server", mutate: func(r *aggregation.Report) { r.ServerName = "" }},
		{name: "missing environment", mutate: func(r *aggregation.Report) { r.Environment = "" }},
		{name: "missing type", mutate: func(r *aggregation.Report) { r.Type = "" }},
		{name: "missing backtrace", mutate: func(r *aggregation.Report) { r.Backtrace = "" }},
		{name: "missing timestamp", mutate: func(r *aggregation.Report) { r.Timestamp = nil }},
		{name: "negative timestamp", mutate: func(r *aggregation.Report) {
			ts := int64(-1)
			r.Timestamp = &ts
		}},
		{name: "unknown level", mutate: func(r *aggregation.Report) { r.Level = "catastrophic" }},
		{name: "non-numeric user", mutate: func(r *aggregation.Report) {
			r.Context = json.RawMessage(`{"userId":"bob"}`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			agg, store := newAggregator(t)

			r := report("prod", 100, "")
			tt.mutate(r)

			_, err := agg.Ingest(ctx, r)
			require.ErrorIs(t, err, aggregation.ErrMalformedReport)

			exists, err := store.ProjectExists(ctx, "shop")
			require.NoError(t, err)
			assert.False(t, exists, "nothing may be persisted for a rejected report")
		})
	}

	t.Run("nil report", func(t *testing.T) {
		agg, _ := newAggregator(t)

		_, err := agg.Ingest(context.Background(), nil)
		require.ErrorIs(t, err, aggregation.ErrMalformedReport)
	})
}

func TestIngest_OccurrenceFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	agg, _ := newAggregator(t)

	r := report("prod", 100, "boom")
	r.Context = json.RawMessage(`{"user_id":"42","cart":3}`)
	r.LogMessage = "checkout failed"
	r.Level = "warning"

	result, err := agg.Ingest(ctx, r)
	require.NoError(t, err)

	require.NotNil(t, result.Occurrence.AffectedUser)
	assert.Equal(t, int64(42), *result.Occurrence.AffectedUser)
	assert.Equal(t, "checkout failed", result.Occurrence.LogMessage)
	assert.Equal(t, result.Group.ID, result.Occurrence.GroupID)
	assert.Equal(t, aggregation.LevelWarning, result.Group.Level)
	assert.JSONEq(t, `{"user_id":"42","cart":3}`, string(result.Occurrence.Context))
}

func TestIngest_ProjectResolver(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	agg, _ := newAggregator(t, aggregation.WithProjectResolver(prefixResolver{}))

	a, err := agg.Ingest(ctx, report("prod", 100, ""))
	require.NoError(t, err)

	legacy := report("prod", 101, "")
	legacy.Project = "shop-legacy"

	b, err := agg.Ingest(ctx, legacy)
	require.NoError(t, err)

	assert.Equal(t, a.Group.ID, b.Group.ID)
	assert.Equal(t, "shop", b.Occurrence.Project)
}

func TestResolve(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	cache := newMapCache()
	agg, _ := newAggregator(t, aggregation.WithCache(cache))

	first, err := agg.Ingest(ctx, report("prod", 100, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, cache.len())

	resolved, err := agg.Resolve(ctx, first.Group.ID)
	require.NoError(t, err)
	assert.False(t, resolved.Active)
	assert.Zero(t, cache.len(), "resolve evicts the cached group")

	again, err := agg.Resolve(ctx, first.Group.ID)
	require.NoError(t, err)
	assert.False(t, again.Active)

	next, err := agg.Ingest(ctx, report("prod", 200, ""))
	require.NoError(t, err)
	assert.True(t, next.Created)
	assert.NotEqual(t, first.Group.ID, next.Group.ID)
	assert.Equal(t, int64(1), next.Group.Count)

	_, err = agg.Resolve(ctx, "missing")
	require.ErrorIs(t, err, aggregation.ErrUnknownGroup)
}

func TestIngest_StaleCacheEntry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	cache := newMapCache()
	agg, store := newAggregator(t, aggregation.WithCache(cache))

	first, err := agg.Ingest(ctx, report("prod", 100, ""))
	require.NoError(t, err)

	// Resolved behind the aggregator's back; the cache still points at it.
	_, _, err = store.DeactivateGroup(ctx, first.Group.ID)
	require.NoError(t, err)

	next, err := agg.Ingest(ctx, report("prod", 200, ""))
	require.NoError(t, err)
	assert.True(t, next.Created)
	assert.NotEqual(t, first.Group.ID, next.Group.ID)

	cached, ok := cache.Get(aggregation.CacheKey("shop", next.Group.Fingerprint))
	require.True(t, ok)
	assert.Equal(t, next.Group.ID, cached.ID)

	old, err := store.GetGroup(ctx, first.Group.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), old.Count)
}

func TestIngest_CacheHitMerges(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	cache := newMapCache()
	agg, store := newAggregator(t, aggregation.WithCache(cache))

	first, err := agg.Ingest(ctx, report("prod", 100, ""))
	require.NoError(t, err)

	second, err := agg.Ingest(ctx, report("staging", 300, "later"))
	require.NoError(t, err)
	assert.Equal(t, first.Group.ID, second.Group.ID)

	stored, err := store.GetGroup(ctx, first.Group.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Count)

	cached, ok := cache.Get(aggregation.CacheKey("shop", first.Group.Fingerprint))
	require.True(t, ok)
	assert.Equal(t, int64(2), cached.Count)
	assert.Equal(t, "later", cached.LastMessage)
}

func TestIngest_Concurrent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	agg, store := newAggregator(t, aggregation.WithCache(newMapCache()))

	seed, err := agg.Ingest(ctx, report("prod", 1, ""))
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := agg.Ingest(ctx, report("prod", int64(i+2), ""))
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	group, err := store.GetGroup(ctx, seed.Group.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(51), group.Count)
	assert.Equal(t, time.Unix(51, 0).UTC(), group.LastOccurrence)
}

func TestClear(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	cache := newMapCache()
	agg, store := newAggregator(t, aggregation.WithCache(cache))

	first, err := agg.Ingest(ctx, report("prod", 100, ""))
	require.NoError(t, err)

	require.NoError(t, agg.Clear(ctx))
	assert.Zero(t, cache.len())

	_, err = store.GetGroup(ctx, first.Group.ID)
	require.ErrorIs(t, err, aggregation.ErrUnknownGroup)

	next, err := agg.Ingest(ctx, report("prod", 200, ""))
	require.NoError(t, err)
	assert.True(t, next.Created)
}
