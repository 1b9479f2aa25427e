package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/query"
	"github.com/faultline-io/faultline/internal/queue"
	"github.com/faultline-io/faultline/internal/storage"
)

// TestServerIntegration runs intake, aggregation and queries against PostgreSQL with
// the durable queue drained by background workers.
func TestServerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := storage.WrapDB(testDB.Connection)
	discard := slog.New(slog.DiscardHandler)

	store, err := storage.NewPostgresStore(conn)
	require.NoError(t, err)

	keyStore, err := storage.NewPersistentKeyStore(conn)
	require.NoError(t, err)

	q, err := queue.NewPostgresQueue(conn, &queue.Config{
		Backend:             queue.BackendPostgres,
		Lease:               time.Second,
		MaxAttempts:         3,
		PollInterval:        20 * time.Millisecond,
		Workers:             2,
		DeadLetterRetention: time.Hour,
	})
	require.NoError(t, err)

	agg, err := aggregation.New(store, aggregation.WithLogger(discard))
	require.NoError(t, err)

	engine, err := query.NewEngine(store,
		query.WithClock(func() time.Time { return testNow }),
		query.WithLogger(discard),
	)
	require.NoError(t, err)

	worker, err := queue.NewWorker(q, agg, queue.WithWorkers(2), queue.WithWorkerLogger(discard))
	require.NoError(t, err)

	workerDone := make(chan error, 1)

	go func() { workerDone <- worker.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("worker stopped with error: %v", err)
		}
	})

	plaintext, err := storage.GenerateAPIKey("ops")
	require.NoError(t, err)
	require.NoError(t, keyStore.Add(ctx, &storage.APIKey{
		ID:          uuid.NewString(),
		Key:         plaintext,
		ClientID:    "ops",
		Name:        "ops console",
		Permissions: []string{storage.PermissionAdmin},
		CreatedAt:   time.Now(),
		Active:      true,
	}))

	server, err := NewServer(testServerConfig(), Services{
		Queue:      q,
		Aggregator: agg,
		Engine:     engine,
		KeyStore:   keyStore,
	})
	require.NoError(t, err)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	call := func(t *testing.T, method, path, body string) *http.Response {
		t.Helper()

		req, err := http.NewRequestWithContext(ctx, method, httpServer.URL+path, strings.NewReader(body))
		require.NoError(t, err)

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+plaintext)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		return resp
	}

	listGroups := func(t *testing.T, path string) GroupListResponse {
		t.Helper()

		resp := call(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var list GroupListResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))

		return list
	}

	t.Run("unauthenticated intake is rejected", func(t *testing.T) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpServer.URL+"/api/v1/reports",
			strings.NewReader(reportJSON(t, nil)))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("reports aggregate into groups", func(t *testing.T) {
		for i := range 3 {
			resp := call(t, http.MethodPost, "/api/v1/reports", reportJSON(t, map[string]any{
				"serverName": fmt.Sprintf("web-%d", i),
				"timestamp":  testNow.Add(-time.Duration(i+1) * time.Minute).Unix(),
			}))
			require.Equal(t, http.StatusAccepted, resp.StatusCode)
		}

		resp := call(t, http.MethodPost, "/api/v1/reports", reportJSON(t, map[string]any{"type": "TimeoutError"}))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		require.Eventually(t, func() bool {
			list := listGroups(t, "/api/v1/groups?project=checkout")

			var total int64
			for _, g := range list.Groups {
				total += g.Count
			}

			return total == 4
		}, 15*time.Second, 100*time.Millisecond)

		list := listGroups(t, "/api/v1/groups?project=checkout")
		assert.Len(t, list.Groups, 2)
	})

	t.Run("server filter joins occurrences", func(t *testing.T) {
		list := listGroups(t, "/api/v1/groups?server=web-2")
		require.Len(t, list.Groups, 1)
		assert.Equal(t, "KeyError", list.Groups[0].Type)
		assert.Equal(t, int64(1), list.Groups[0].Count)
	})

	t.Run("stats", func(t *testing.T) {
		resp := call(t, http.MethodGet, "/api/v1/stats?project=checkout&minutes=4+60", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "3 4", string(body))
	})

	t.Run("resolve then report again opens a new group", func(t *testing.T) {
		list := listGroups(t, "/api/v1/groups?project=checkout")

		var timeoutID string

		for _, g := range list.Groups {
			if g.Type == "TimeoutError" {
				timeoutID = g.ID
			}
		}

		require.NotEmpty(t, timeoutID)

		resp := call(t, http.MethodPost, "/api/v1/groups/"+timeoutID+"/resolve", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = call(t, http.MethodPost, "/api/v1/reports", reportJSON(t, map[string]any{"type": "TimeoutError"}))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		require.Eventually(t, func() bool {
			for _, g := range listGroups(t, "/api/v1/groups?project=checkout").Groups {
				if g.Type == "TimeoutError" && g.ID != timeoutID {
					return true
				}
			}

			return false
		}, 15*time.Second, 100*time.Millisecond)
	})

	t.Run("clear", func(t *testing.T) {
		resp := call(t, http.MethodDelete, "/api/v1/groups", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Empty(t, listGroups(t, "/api/v1/groups").Groups)
	})
}
