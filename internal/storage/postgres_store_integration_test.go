package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/query"
)

func newPostgresGroup(project string, occ *aggregation.Occurrence) *aggregation.ErrorGroup {
	return &aggregation.ErrorGroup{
		ID:              uuid.NewString(),
		Project:         project,
		Fingerprint:     "0123456789abcdef0123456789abcdef",
		Type:            "ZeroDivisionError",
		Backtrace:       "File \"app.py\", line 3",
		Active:          true,
		Count:           1,
		Level:           aggregation.LevelError,
		FirstOccurrence: occ.Date,
		LastOccurrence:  occ.Date,
		LastMessage:     occ.Message,
		Environments:    aggregation.NewStringSet(occ.Environment),
		Servers:         aggregation.NewStringSet(occ.Server),
	}
}

func newPostgresOccurrence(project, env string, sec int64) *aggregation.Occurrence {
	user := int64(42)

	return &aggregation.Occurrence{
		ID:           uuid.NewString(),
		Project:      project,
		Environment:  env,
		Server:       "web-1",
		Date:         at(sec),
		Message:      "division by zero",
		Context:      json.RawMessage(`{"userId":42}`),
		AffectedUser: &user,
	}
}

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	store, err := NewPostgresStore(conn)
	require.NoError(t, err)
	require.NoError(t, store.HealthCheck(ctx))

	_, err = store.GetOrCreateProject(ctx, "shop")
	require.NoError(t, err)

	project, err := store.GetOrCreateProject(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "shop", project.Name)

	first := newPostgresOccurrence("shop", "production", 100)
	group := newPostgresGroup("shop", first)
	first.GroupID = group.ID
	require.NoError(t, store.CreateGroup(ctx, group, first))

	t.Run("merge newer and older occurrences", func(t *testing.T) {
		newer := newPostgresOccurrence("shop", "staging", 200)
		newer.Message = "newer"

		updated, err := store.MergeOccurrence(ctx, group.ID, newer, "newer trace")
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Count)
		assert.Equal(t, "newer trace", updated.Backtrace)

		older := newPostgresOccurrence("shop", "staging", 50)
		updated, err = store.MergeOccurrence(ctx, group.ID, older, "older trace")
		require.NoError(t, err)

		assert.Equal(t, int64(3), updated.Count)
		assert.True(t, updated.FirstOccurrence.Equal(at(50)))
		assert.True(t, updated.LastOccurrence.Equal(at(200)))
		assert.Equal(t, "newer trace", updated.Backtrace)
		assert.Equal(t, "newer", updated.LastMessage)
		assert.Equal(t, []string{"production", "staging"}, updated.Environments.Sorted())
	})

	t.Run("concurrent merges keep every increment", func(t *testing.T) {
		before, err := store.GetGroup(ctx, group.ID)
		require.NoError(t, err)

		var wg sync.WaitGroup

		for range 20 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := store.MergeOccurrence(ctx, group.ID, newPostgresOccurrence("shop", "production", 150), "t")
				assert.NoError(t, err)
			}()
		}

		wg.Wait()

		after, err := store.GetGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, before.Count+20, after.Count)
	})

	t.Run("find by fingerprint", func(t *testing.T) {
		groups, err := store.FindActiveGroups(ctx, "shop", group.Fingerprint)
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, group.ID, groups[0].ID)
	})

	t.Run("filtered occurrences", func(t *testing.T) {
		user := int64(42)

		occs, err := store.ListOccurrences(ctx, group.ID,
			query.OccurrenceFilter{Environment: "staging", AffectedUser: &user}, 10)
		require.NoError(t, err)
		require.Len(t, occs, 2)
		assert.True(t, occs[0].Date.Equal(at(200)))
		assert.JSONEq(t, `{"userId":42}`, string(occs[0].Context))

		var matched int
		for occ, err := range store.MatchingOccurrences(ctx, "shop", query.OccurrenceFilter{Server: "web-1"}, 1000) {
			require.NoError(t, err)
			assert.Equal(t, "web-1", occ.Server)

			matched++
		}

		assert.Equal(t, 23, matched)
	})

	t.Run("active groups stream", func(t *testing.T) {
		var ids []string
		for g, err := range store.ActiveGroups(ctx, "shop", []string{group.ID, "not-a-uuid"}) {
			require.NoError(t, err)

			ids = append(ids, g.ID)
		}

		assert.Equal(t, []string{group.ID}, ids)
	})

	t.Run("count since", func(t *testing.T) {
		count, err := store.CountOccurrencesSince(ctx, "shop", at(150))
		require.NoError(t, err)
		assert.Equal(t, int64(21), count)
	})

	t.Run("deactivate then merge fails", func(t *testing.T) {
		resolved, changed, err := store.DeactivateGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.False(t, resolved.Active)

		_, changed, err = store.DeactivateGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.False(t, changed)

		_, err = store.MergeOccurrence(ctx, group.ID, newPostgresOccurrence("shop", "production", 300), "t")
		require.ErrorIs(t, err, aggregation.ErrGroupInactive)

		groups, err := store.ListActiveGroups(ctx, "shop", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, groups)
	})

	t.Run("unknown ids", func(t *testing.T) {
		_, err := store.GetGroup(ctx, uuid.NewString())
		require.ErrorIs(t, err, aggregation.ErrUnknownGroup)

		_, err = store.GetGroup(ctx, "not-a-uuid")
		require.ErrorIs(t, err, aggregation.ErrUnknownGroup)

		_, _, err = store.DeactivateGroup(ctx, "not-a-uuid")
		require.ErrorIs(t, err, aggregation.ErrUnknownGroup)
	})

	t.Run("clear keeps projects", func(t *testing.T) {
		require.NoError(t, store.ClearAll(ctx))

		exists, err := store.ProjectExists(ctx, "shop")
		require.NoError(t, err)
		assert.True(t, exists)

		count, err := store.CountOccurrencesSince(ctx, "", at(0))
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}
