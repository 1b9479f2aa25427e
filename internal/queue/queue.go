// Package queue provides the at-least-once ingestion queue between report intake and the
// aggregator: a PostgreSQL table queue, a Kafka queue, an in-memory queue, and the worker
// pool that drains them.
package queue

import (
	"context"
	"errors"
)

var (
	// ErrDeliveryGone is returned when a delivery no longer exists at ack time, because another
	// worker already processed it. The worker treats it as a duplicate and skips it.
	ErrDeliveryGone = errors.New("delivery no longer exists")

	// ErrQueueClosed is returned by operations on a closed queue.
	ErrQueueClosed = errors.New("queue closed")

	// ErrQueueFull is returned by Enqueue when a bounded queue has no room. Callers should
	// shed the report rather than wait.
	ErrQueueFull = errors.New("queue full")

	// ErrEmptyPayload is returned when enqueueing an empty payload.
	ErrEmptyPayload = errors.New("payload cannot be empty")
)

type (
	// Queue is a durable hand-off of raw report payloads.
	//
	// Delivery is at-least-once: an item is removed only when its delivery is acknowledged,
	// and an unacknowledged item is delivered again later.
	Queue interface {
		// Enqueue stores payload and returns the item id. key groups related items
		// (the project name) where the backend supports it.
		Enqueue(ctx context.Context, payload []byte, key string) (string, error)

		// Receive blocks until an item is deliverable or ctx is done.
		Receive(ctx context.Context) (*Delivery, error)

		// Close releases the queue's resources.
		Close() error
	}

	// Maintainer is implemented by queues that expose housekeeping: refreshing the depth
	// gauges and purging dead letters.
	Maintainer interface {
		Maintain(ctx context.Context) error
	}

	// Delivery is one received item.
	Delivery struct {
		ID       string
		Payload  []byte
		Attempts int

		verify func(ctx context.Context) error
		ack    func(ctx context.Context) error
		fail   func(ctx context.Context, cause error) error
	}
)

// Verify checks that the item is still queued. Returns ErrDeliveryGone when another
// worker already acknowledged it, in which case the delivery must be skipped.
func (d *Delivery) Verify(ctx context.Context) error {
	if d.verify == nil {
		return nil
	}

	return d.verify(ctx)
}

// Ack removes the item from the queue. Returns ErrDeliveryGone if it was already removed.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}

	return d.ack(ctx)
}

// Fail records a failed processing attempt. The item stays in the queue and is redelivered.
func (d *Delivery) Fail(ctx context.Context, cause error) error {
	if d.fail == nil {
		return nil
	}

	return d.fail(ctx, cause)
}
