package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/storage"
)

const validPayload = `{
	"project": "shop",
	"serverName": "web-1",
	"environment": "production",
	"type": "KeyError",
	"backtrace": "File \"app.py\", line 3, in checkout",
	"message": "'sku'",
	"timestamp": 1712345678
}`

// flakyIngester fails the first failures calls, then delegates.
type flakyIngester struct {
	next     Ingester
	failures int32
	calls    atomic.Int32
}

func (f *flakyIngester) Ingest(ctx context.Context, r *aggregation.Report) (*aggregation.Result, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("database unavailable")
	}

	return f.next.Ingest(ctx, r)
}

func newTestAggregator(t *testing.T) (*aggregation.Aggregator, *storage.InMemoryStore) {
	t.Helper()

	store := storage.NewInMemoryStore()

	agg, err := aggregation.New(store)
	require.NoError(t, err)

	return agg, store
}

func receive(t *testing.T, q Queue) *Delivery {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := q.Receive(ctx)
	require.NoError(t, err)

	return d
}

func groupCount(t *testing.T, store *storage.InMemoryStore) int64 {
	t.Helper()

	groups, err := store.ListActiveGroups(context.Background(), "shop", 10, 0)
	require.NoError(t, err)

	var total int64
	for _, g := range groups {
		total += g.Count
	}

	return total
}

func TestNewWorker_NilIngester(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := NewWorker(NewMemoryQueue(1, 1), nil)
	require.ErrorIs(t, err, ErrNilIngester)
}

func TestWorker_Handle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("success acknowledges", func(t *testing.T) {
		q := NewMemoryQueue(4, 3)
		agg, store := newTestAggregator(t)
		w, err := NewWorker(q, agg)
		require.NoError(t, err)

		_, err = q.Enqueue(ctx, []byte(validPayload), "shop")
		require.NoError(t, err)

		d := receive(t, q)
		w.Handle(ctx, d)

		assert.Equal(t, int64(1), groupCount(t, store))
		require.ErrorIs(t, d.Ack(ctx), ErrDeliveryGone, "the worker already acknowledged it")
	})

	t.Run("malformed payload is acknowledged without retry", func(t *testing.T) {
		q := NewMemoryQueue(4, 3)
		agg, store := newTestAggregator(t)
		w, err := NewWorker(q, agg)
		require.NoError(t, err)

		for _, payload := range []string{`not json`, `{"project":"shop"}`} {
			_, err = q.Enqueue(ctx, []byte(payload), "shop")
			require.NoError(t, err)

			w.Handle(ctx, receive(t, q))
		}

		assert.Zero(t, q.Len())
		assert.Zero(t, q.DeadLetters())
		assert.Zero(t, groupCount(t, store))
	})

	t.Run("failure leaves the item for redelivery", func(t *testing.T) {
		q := NewMemoryQueue(4, 3)
		agg, store := newTestAggregator(t)
		ingester := &flakyIngester{next: agg, failures: 1}
		w, err := NewWorker(q, ingester)
		require.NoError(t, err)

		_, err = q.Enqueue(ctx, []byte(validPayload), "shop")
		require.NoError(t, err)

		w.Handle(ctx, receive(t, q))
		assert.Zero(t, groupCount(t, store))
		assert.Equal(t, 1, q.Len())

		redelivered := receive(t, q)
		assert.Equal(t, 2, redelivered.Attempts)

		w.Handle(ctx, redelivered)
		assert.Equal(t, int64(1), groupCount(t, store))
		assert.Zero(t, q.Len())
	})

	t.Run("already acknowledged delivery is skipped", func(t *testing.T) {
		q := NewMemoryQueue(4, 3)
		agg, store := newTestAggregator(t)
		w, err := NewWorker(q, agg)
		require.NoError(t, err)

		_, err = q.Enqueue(ctx, []byte(validPayload), "shop")
		require.NoError(t, err)

		d := receive(t, q)
		w.Handle(ctx, d)
		w.Handle(ctx, d)

		assert.Equal(t, int64(1), groupCount(t, store))
	})
}

func TestWorker_Run(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := NewMemoryQueue(64, 3)
	agg, store := newTestAggregator(t)

	w, err := NewWorker(q, agg, WithWorkers(4), WithBackoff(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		assert.NoError(t, w.Run(ctx))
	}()

	for range 20 {
		_, err := q.Enqueue(ctx, []byte(validPayload), "shop")
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return groupCount(t, store) == 20
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestWorker_RunStopsWhenQueueCloses(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := NewMemoryQueue(4, 3)
	agg, _ := newTestAggregator(t)

	w, err := NewWorker(q, agg, WithWorkers(2))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- w.Run(context.Background())
	}()

	require.NoError(t, q.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after the queue closed")
	}
}

func TestWorker_FailingDeliveryOnFullQueue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	agg, store := newTestAggregator(t)
	q := NewMemoryQueue(1, 5)
	ingester := &flakyIngester{next: agg, failures: 1}

	w, err := NewWorker(q, ingester)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, []byte(validPayload), "shop")
	require.NoError(t, err)

	first := receive(t, q)

	_, err = q.Enqueue(ctx, []byte(validPayload), "shop")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		w.Handle(ctx, first)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker stuck re-queueing into its own full queue")
	}

	_, err = q.Enqueue(ctx, []byte(validPayload), "shop")
	require.ErrorIs(t, err, ErrQueueFull, "intake sheds load instead of blocking")

	for q.Len() > 0 {
		w.Handle(ctx, receive(t, q))
	}

	assert.Equal(t, int64(2), groupCount(t, store))
	assert.Zero(t, q.DeadLetters())
}
