package query_test

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/query"
	"github.com/faultline-io/faultline/internal/storage"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	agg    *aggregation.Aggregator
	store  *storage.InMemoryStore
	engine *query.Engine
}

func newFixture(t *testing.T, opts ...query.Option) *fixture {
	t.Helper()

	store := storage.NewInMemoryStore()

	agg, err := aggregation.New(store)
	require.NoError(t, err)

	opts = append([]query.Option{query.WithClock(func() time.Time { return now })}, opts...)

	engine, err := query.NewEngine(store, opts...)
	require.NoError(t, err)

	return &fixture{agg: agg, store: store, engine: engine}
}

// ingest sends one report and returns the id of the group it landed in.
func (f *fixture) ingest(t *testing.T, project, errType, env, server string, at time.Time, userID int) string {
	t.Helper()

	ts := at.Unix()
	r := &aggregation.Report{
		Project:     project,
		ServerName:  server,
		Environment: env,
		Type:        errType,
		Backtrace:   "File \"app.py\", line 1, in " + errType,
		Timestamp:   &ts,
	}

	if userID > 0 {
		r.Context = json.RawMessage(`{"userId":` + itoa(userID) + `}`)
	}

	result, err := f.agg.Ingest(context.Background(), r)
	require.NoError(t, err)

	return result.Group.ID
}

func itoa(n int) string {
	b, _ := json.Marshal(n)

	return string(b)
}

func ids(groups []*aggregation.ErrorGroup) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.ID
	}

	return out
}

func TestNewEngine_NilStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := query.NewEngine(nil)
	require.ErrorIs(t, err, query.ErrNilStore)
}

func TestListGroups(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	f := newFixture(t)

	zero := f.ingest(t, "shop", "ZeroDivisionError", "production", "web-1", now.Add(-3*time.Hour), 0)
	f.ingest(t, "shop", "ZeroDivisionError", "staging", "web-2", now.Add(-2*time.Hour), 7)
	f.ingest(t, "shop", "ZeroDivisionError", "production", "web-1", now.Add(-time.Hour), 0)
	key := f.ingest(t, "shop", "KeyError", "production", "web-3", now.Add(-30*time.Minute), 0)
	other := f.ingest(t, "blog", "TypeError", "staging", "web-9", now, 0)

	t.Run("unfiltered newest first", func(t *testing.T) {
		groups, err := f.engine.ListGroups(ctx, query.GroupQuery{Project: "shop", Limit: 10})
		require.NoError(t, err)

		assert.Equal(t, []string{key, zero}, ids(groups))
		assert.Equal(t, int64(3), groups[1].Count)
	})

	t.Run("all projects", func(t *testing.T) {
		groups, err := f.engine.ListGroups(ctx, query.GroupQuery{Limit: 10})
		require.NoError(t, err)

		assert.Equal(t, []string{other, key, zero}, ids(groups))
	})

	t.Run("environment filter derives aggregates", func(t *testing.T) {
		groups, err := f.engine.ListGroups(ctx, query.GroupQuery{
			Project: "shop",
			Filter:  query.OccurrenceFilter{Environment: "staging"},
			Limit:   10,
		})
		require.NoError(t, err)
		require.Len(t, groups, 1)

		view := groups[0]
		assert.Equal(t, zero, view.ID)
		assert.Equal(t, int64(1), view.Count)
		assert.Equal(t, now.Add(-2*time.Hour), view.LastOccurrence)
		assert.Equal(t, now.Add(-3*time.Hour), view.FirstOccurrence)
		assert.Equal(t, []string{"staging"}, view.Environments.Sorted())
		assert.Equal(t, []string{"web-2"}, view.Servers.Sorted())

		stored, err := f.engine.GetGroup(ctx, zero)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stored.Count, "the derived view must not leak into storage")
	})

	t.Run("server and user filters", func(t *testing.T) {
		groups, err := f.engine.ListGroups(ctx, query.GroupQuery{
			Filter: query.OccurrenceFilter{Server: "web-1"},
			Limit:  10,
		})
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, int64(2), groups[0].Count)

		user := int64(7)
		groups, err = f.engine.ListGroups(ctx, query.GroupQuery{
			Filter: query.OccurrenceFilter{AffectedUser: &user},
			Limit:  10,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{zero}, ids(groups))
	})

	t.Run("filter with no match", func(t *testing.T) {
		groups, err := f.engine.ListGroups(ctx, query.GroupQuery{
			Project: "shop",
			Filter:  query.OccurrenceFilter{Environment: "qa"},
			Limit:   10,
		})
		require.NoError(t, err)
		assert.Empty(t, groups)
	})

	t.Run("filtered listing skips resolved groups", func(t *testing.T) {
		_, err := f.agg.Resolve(ctx, other)
		require.NoError(t, err)

		groups, err := f.engine.ListGroups(ctx, query.GroupQuery{
			Filter: query.OccurrenceFilter{Environment: "staging"},
			Limit:  10,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{zero}, ids(groups))
	})

	t.Run("non-positive limit", func(t *testing.T) {
		groups, err := f.engine.ListGroups(ctx, query.GroupQuery{Limit: 0})
		require.NoError(t, err)
		assert.Empty(t, groups)
	})
}

func TestListGroupPage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	f := newFixture(t)

	var created []string
	for i, errType := range []string{"A", "B", "C", "D", "E"} {
		created = append(created, f.ingest(t, "shop", errType, "production", "web-1", now.Add(time.Duration(i)*time.Minute), 0))
	}

	tests := []struct {
		name     string
		filter   query.OccurrenceFilter
		page     int
		wantIDs  []string
		wantMore bool
	}{
		{name: "first page", page: 0, wantIDs: []string{created[4], created[3]}, wantMore: true},
		{name: "middle page", page: 1, wantIDs: []string{created[2], created[1]}, wantMore: true},
		{name: "last page", page: 2, wantIDs: []string{created[0]}, wantMore: false},
		{name: "past the end", page: 3, wantIDs: []string{}, wantMore: false},
		{
			name:     "filtered first page",
			filter:   query.OccurrenceFilter{Environment: "production"},
			page:     0,
			wantIDs:  []string{created[4], created[3]},
			wantMore: true,
		},
		{
			name:     "filtered last page",
			filter:   query.OccurrenceFilter{Environment: "production"},
			page:     2,
			wantIDs:  []string{created[0]},
			wantMore: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := f.engine.ListGroupPage(ctx, "shop", tt.filter, tt.page, 2)
			require.NoError(t, err)

			assert.Equal(t, tt.wantIDs, ids(page.Groups))
			assert.Equal(t, tt.wantMore, page.HasMore)

			if tt.wantMore {
				assert.Equal(t, tt.page+1, page.NextPage)
			}
		})
	}

	t.Run("invalid paging", func(t *testing.T) {
		_, err := f.engine.ListGroupPage(ctx, "shop", query.OccurrenceFilter{}, -1, 2)
		require.ErrorIs(t, err, query.ErrInvalidPage)

		_, err = f.engine.ListGroupPage(ctx, "shop", query.OccurrenceFilter{}, 0, 0)
		require.ErrorIs(t, err, query.ErrInvalidPage)
	})

	t.Run("offset overflow is rejected", func(t *testing.T) {
		_, err := f.engine.ListGroupPage(ctx, "shop", query.OccurrenceFilter{}, math.MaxInt/2, 2)
		require.ErrorIs(t, err, query.ErrInvalidPage)

		_, err = f.engine.ListGroupPage(ctx, "shop", query.OccurrenceFilter{}, 0, math.MaxInt)
		require.ErrorIs(t, err, query.ErrInvalidPage)

		_, err = f.engine.ListGroupPage(ctx, "shop", query.OccurrenceFilter{Environment: "production"}, math.MaxInt/2, 2)
		require.ErrorIs(t, err, query.ErrInvalidPage)

		page, err := f.engine.ListGroupPage(ctx, "shop", query.OccurrenceFilter{}, (math.MaxInt-3)/2, 2)
		require.NoError(t, err, "the largest page that fits is served")
		assert.Empty(t, page.Groups)
		assert.False(t, page.HasMore)
	})
}

func TestListGroups_JoinScanCap(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	f := newFixture(t, query.WithMaxJoinScan(2))

	for i := range 5 {
		f.ingest(t, "shop", "A", "production", "web-1", now.Add(time.Duration(i)*time.Second), 0)
	}

	groups, err := f.engine.ListGroups(ctx, query.GroupQuery{
		Filter: query.OccurrenceFilter{Environment: "production"},
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, int64(2), groups[0].Count)
}

func TestListOccurrences(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	f := newFixture(t)

	id := f.ingest(t, "shop", "A", "production", "web-1", now.Add(-time.Hour), 0)
	f.ingest(t, "shop", "A", "staging", "web-1", now, 0)
	f.ingest(t, "shop", "A", "production", "web-2", now.Add(-2*time.Hour), 0)

	t.Run("newest first", func(t *testing.T) {
		occs, err := f.engine.ListOccurrences(ctx, id, query.OccurrenceFilter{}, 10)
		require.NoError(t, err)
		require.Len(t, occs, 3)

		assert.Equal(t, now, occs[0].Date)
		assert.Equal(t, now.Add(-2*time.Hour), occs[2].Date)
	})

	t.Run("filtered and limited", func(t *testing.T) {
		occs, err := f.engine.ListOccurrences(ctx, id, query.OccurrenceFilter{Environment: "production"}, 1)
		require.NoError(t, err)
		require.Len(t, occs, 1)
		assert.Equal(t, now.Add(-time.Hour), occs[0].Date)
	})

	t.Run("resolved groups keep their occurrences", func(t *testing.T) {
		_, err := f.agg.Resolve(ctx, id)
		require.NoError(t, err)

		occs, err := f.engine.ListOccurrences(ctx, id, query.OccurrenceFilter{}, 10)
		require.NoError(t, err)
		assert.Len(t, occs, 3)
	})

	t.Run("unknown parent", func(t *testing.T) {
		_, err := f.engine.ListOccurrences(ctx, "missing", query.OccurrenceFilter{}, 10)
		require.ErrorIs(t, err, query.ErrUnknownOccurrenceParent)
	})
}

func TestStats(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	f := newFixture(t)

	f.ingest(t, "shop", "A", "production", "web-1", now.Add(-5*time.Minute), 0)
	f.ingest(t, "shop", "B", "production", "web-1", now.Add(-8*time.Minute), 0)
	f.ingest(t, "shop", "A", "production", "web-1", now.Add(-30*time.Minute), 0)
	f.ingest(t, "shop", "A", "production", "web-1", now.Add(-2*time.Hour), 0)
	f.ingest(t, "blog", "A", "production", "web-1", now.Add(-time.Minute), 0)

	minutes, err := query.ParseMinutes("10 60")
	require.NoError(t, err)

	t.Run("project windows", func(t *testing.T) {
		counts, err := f.engine.Stats(ctx, "shop", minutes)
		require.NoError(t, err)
		assert.Equal(t, "2 3", query.FormatCounts(counts))
	})

	t.Run("global windows", func(t *testing.T) {
		counts, err := f.engine.Stats(ctx, "", minutes)
		require.NoError(t, err)
		assert.Equal(t, "3 4", query.FormatCounts(counts))
	})

	t.Run("unknown project", func(t *testing.T) {
		counts, err := f.engine.Stats(ctx, "nowhere", minutes)
		require.NoError(t, err)
		assert.Equal(t, "0 0", query.FormatCounts(counts))
	})

	t.Run("zero-minute window", func(t *testing.T) {
		counts, err := f.engine.Stats(ctx, "shop", []int{0})
		require.NoError(t, err)
		assert.Equal(t, []int64{0}, counts)
	})

	t.Run("windows are inclusive trailing cutoffs", func(t *testing.T) {
		g := newFixture(t)
		g.ingest(t, "docs", "A", "production", "web-1", now.Add(-5*time.Minute), 0)
		g.ingest(t, "docs", "A", "production", "web-1", now.Add(-30*time.Minute), 0)
		g.ingest(t, "docs", "A", "production", "web-1", now.Add(-90*time.Minute), 0)

		counts, err := g.engine.Stats(ctx, "docs", minutes)
		require.NoError(t, err)
		assert.Equal(t, "1 2", query.FormatCounts(counts))
	})
}

func TestParseMinutes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		input   string
		want    []int
		wantErr bool
	}{
		{input: "10 60", want: []int{10, 60}},
		{input: "  5\t15  ", want: []int{5, 15}},
		{input: "", want: []int{}},
		{input: "10 abc", wantErr: true},
		{input: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := query.ParseMinutes(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, query.ErrInvalidMinutes)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
