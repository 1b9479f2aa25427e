package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/metrics"
	"github.com/faultline-io/faultline/internal/storage"
)

var (
	_ Queue      = (*PostgresQueue)(nil)
	_ Maintainer = (*PostgresQueue)(nil)
)

// maxErrorLength bounds the last_error column.
const maxErrorLength = 1000

// PostgresQueue is a durable queue on the report_queue table.
//
// Receive claims the oldest deliverable row with FOR UPDATE SKIP LOCKED and leases it for
// cfg.Lease; concurrent workers never claim the same row while the lease holds. An expired
// lease makes the row deliverable again, which is how unacknowledged items are redelivered.
// Rows that reached cfg.MaxAttempts stay in the table as dead letters.
type PostgresQueue struct {
	conn   *storage.Connection
	cfg    *Config
	logger *slog.Logger
}

// NewPostgresQueue creates a queue on conn. Returns storage.ErrNoDatabaseConnection if conn is nil.
func NewPostgresQueue(conn *storage.Connection, cfg *Config) (*PostgresQueue, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &PostgresQueue{
		conn:   conn,
		cfg:    cfg,
		logger: config.NewLogger(config.GetEnvLogLevel("FAULTLINE_LOG_LEVEL", slog.LevelInfo)),
	}, nil
}

// Enqueue implements Queue. The payload must be a JSON document.
func (q *PostgresQueue) Enqueue(ctx context.Context, payload []byte, _ string) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}

	id := uuid.NewString()

	if _, err := q.conn.ExecContext(ctx,
		`INSERT INTO report_queue (id, payload) VALUES ($1, $2)`, id, string(payload),
	); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	return id, nil
}

// Receive implements Queue, polling every cfg.PollInterval while the queue is empty.
func (q *PostgresQueue) Receive(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		delivery, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}

		if delivery != nil {
			return delivery, nil
		}

		timer.Reset(q.cfg.PollInterval)
	}
}

// Maintain implements Maintainer: purges dead letters older than cfg.DeadLetterRetention
// and refreshes the depth gauges.
func (q *PostgresQueue) Maintain(ctx context.Context) error {
	cutoff := time.Now().Add(-q.cfg.DeadLetterRetention)

	purged, err := q.PurgeDeadLetters(ctx, cutoff)
	if err != nil {
		return err
	}

	depth, dead, err := q.Stats(ctx)
	if err != nil {
		return err
	}

	metrics.QueueDepth.Set(float64(depth))
	metrics.QueueDeadLetters.Set(float64(dead))

	q.logger.Debug("queue maintenance completed",
		slog.Int64("depth", depth),
		slog.Int64("dead_letters", dead),
		slog.Int64("purged", purged),
	)

	return nil
}

// Stats returns the number of deliverable items and of dead letters.
func (q *PostgresQueue) Stats(ctx context.Context) (int64, int64, error) {
	var depth, dead int64

	err := q.conn.QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE attempts < $1),
			COUNT(*) FILTER (WHERE attempts >= $1)
		FROM report_queue`,
		q.cfg.MaxAttempts,
	).Scan(&depth, &dead)
	if err != nil {
		return 0, 0, fmt.Errorf("queue stats: %w", err)
	}

	return depth, dead, nil
}

// PurgeDeadLetters deletes dead letters enqueued before cutoff and returns how many were removed.
func (q *PostgresQueue) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.conn.ExecContext(ctx,
		`DELETE FROM report_queue WHERE attempts >= $1 AND enqueued_at < $2`,
		q.cfg.MaxAttempts, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}

	if purged > 0 {
		q.logger.Warn("dead letters purged", slog.Int64("count", purged))
	}

	return purged, nil
}

// Close implements Queue. The connection is shared and stays open.
func (q *PostgresQueue) Close() error {
	return nil
}

// claim leases one deliverable row, or returns (nil, nil) when there is none.
func (q *PostgresQueue) claim(ctx context.Context) (*Delivery, error) {
	var (
		id       string
		payload  []byte
		attempts int
	)

	err := q.conn.QueryRowContext(ctx,
		`UPDATE report_queue
		SET leased_until = NOW() + $1 * INTERVAL '1 millisecond',
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM report_queue
			WHERE (leased_until IS NULL OR leased_until < NOW()) AND attempts < $2
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, payload, attempts`,
		q.cfg.Lease.Milliseconds(), q.cfg.MaxAttempts,
	).Scan(&id, &payload, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}

	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	return &Delivery{
		ID:       id,
		Payload:  payload,
		Attempts: attempts,
		verify:   func(ctx context.Context) error { return q.verify(ctx, id) },
		ack:      func(ctx context.Context) error { return q.ack(ctx, id) },
		fail:     func(ctx context.Context, cause error) error { return q.fail(ctx, id, cause) },
	}, nil
}

func (q *PostgresQueue) verify(ctx context.Context, id string) error {
	var exists bool

	if err := q.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM report_queue WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	if !exists {
		return fmt.Errorf("%w: %s", ErrDeliveryGone, id)
	}

	return nil
}

func (q *PostgresQueue) ack(ctx context.Context, id string) error {
	result, err := q.conn.ExecContext(ctx, `DELETE FROM report_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}

	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrDeliveryGone, id)
	}

	return nil
}

// fail records the error and keeps the lease, so the row is redelivered when it expires.
func (q *PostgresQueue) fail(ctx context.Context, id string, cause error) error {
	message := cause.Error()
	if len(message) > maxErrorLength {
		message = strings.ToValidUTF8(message[:maxErrorLength], "")
	}

	if _, err := q.conn.ExecContext(ctx,
		`UPDATE report_queue SET last_error = $2 WHERE id = $1`, id, message,
	); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	return nil
}
