package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/faultline-io/faultline/internal/metrics"
)

var (
	_ Queue      = (*MemoryQueue)(nil)
	_ Maintainer = (*MemoryQueue)(nil)
)

type (
	// MemoryQueue is a bounded in-process queue for development and tests. Items do not
	// survive a restart. A failed delivery moves to an unbounded retry list, served before
	// new items, until it has used maxAttempts.
	MemoryQueue struct {
		items       chan *memoryItem
		retryReady  chan struct{}
		closed      chan struct{}
		closeOnce   sync.Once
		maxAttempts int

		mu      sync.Mutex
		pending map[string]struct{}
		retries []*memoryItem
		dead    []*memoryItem
	}

	memoryItem struct {
		id       string
		payload  []byte
		attempts int
	}
)

// NewMemoryQueue creates a queue holding at most buffer new items; Enqueue returns
// ErrQueueFull when it is full. Retries do not count against buffer.
func NewMemoryQueue(buffer, maxAttempts int) *MemoryQueue {
	return &MemoryQueue{
		items:       make(chan *memoryItem, max(buffer, 1)),
		retryReady:  make(chan struct{}, 1),
		closed:      make(chan struct{}),
		maxAttempts: max(maxAttempts, 1),
		pending:     make(map[string]struct{}),
	}
}

// Enqueue implements Queue. It never blocks.
func (q *MemoryQueue) Enqueue(_ context.Context, payload []byte, _ string) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}

	item := &memoryItem{id: uuid.NewString(), payload: slices.Clone(payload)}

	q.mu.Lock()
	q.pending[item.id] = struct{}{}
	q.mu.Unlock()

	if err := q.push(item); err != nil {
		q.mu.Lock()
		delete(q.pending, item.id)
		q.mu.Unlock()

		return "", err
	}

	return item.id, nil
}

// Receive implements Queue. Items waiting for a retry are delivered first.
func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if item, ok := q.popRetry(); ok {
			return q.deliver(item), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrQueueClosed
		case <-q.retryReady:
		case item := <-q.items:
			return q.deliver(item), nil
		}
	}
}

// Maintain implements Maintainer by publishing the queue depth and dead-letter count.
func (q *MemoryQueue) Maintain(_ context.Context) error {
	q.mu.Lock()
	dead := len(q.dead)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(q.Len()))
	metrics.QueueDeadLetters.Set(float64(dead))

	return nil
}

// Len returns the number of items waiting for delivery, retries included.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) + len(q.retries)
}

// DeadLetters returns the number of items that exhausted their attempts.
func (q *MemoryQueue) DeadLetters() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.dead)
}

// Close implements Queue. Pending items are dropped.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})

	return nil
}

func (q *MemoryQueue) push(item *memoryItem) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.items <- item:
		return nil
	default:
		return fmt.Errorf("%w: %d items waiting", ErrQueueFull, cap(q.items))
	}
}

func (q *MemoryQueue) deliver(item *memoryItem) *Delivery {
	item.attempts++

	return &Delivery{
		ID:       item.id,
		Payload:  item.payload,
		Attempts: item.attempts,
		verify:   func(context.Context) error { return q.verify(item.id) },
		ack:      func(context.Context) error { return q.ack(item.id) },
		fail:     func(context.Context, error) error { return q.retry(item) },
	}
}

func (q *MemoryQueue) popRetry() (*memoryItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.retries) == 0 {
		return nil, false
	}

	item := q.retries[0]
	q.retries = q.retries[1:]

	// Wake another receiver for whatever is left.
	if len(q.retries) > 0 {
		q.signalRetry()
	}

	return item, true
}

// signalRetry must be called with mu held.
func (q *MemoryQueue) signalRetry() {
	select {
	case q.retryReady <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) verify(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDeliveryGone, id)
	}

	return nil
}

func (q *MemoryQueue) ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDeliveryGone, id)
	}

	delete(q.pending, id)

	return nil
}

func (q *MemoryQueue) retry(item *memoryItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[item.id]; !ok {
		return fmt.Errorf("%w: %s", ErrDeliveryGone, item.id)
	}

	if item.attempts >= q.maxAttempts {
		delete(q.pending, item.id)
		q.dead = append(q.dead, item)

		return nil
	}

	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	q.retries = append(q.retries, item)
	q.signalRetry()

	return nil
}
