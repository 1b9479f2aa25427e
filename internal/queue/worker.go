package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/metrics"
)

// ErrNilIngester is returned by NewWorker when no ingester is supplied.
var ErrNilIngester = errors.New("worker requires an ingester")

type (
	// Ingester merges one report. *aggregation.Aggregator satisfies it.
	Ingester interface {
		Ingest(ctx context.Context, report *aggregation.Report) (*aggregation.Result, error)
	}

	// Worker drains a Queue into an Ingester with a fixed pool of goroutines.
	//
	// Outcomes per delivery:
	//   - ingested: acknowledged
	//   - malformed payload or report: logged, counted as rejected, acknowledged (never retried)
	//   - any other failure: recorded on the delivery and left unacknowledged for redelivery
	//   - item gone before processing or at ack time: another worker already handled it; skipped
	Worker struct {
		queue    Queue
		ingester Ingester
		workers  int
		backoff  time.Duration
		logger   *slog.Logger
	}

	// WorkerOption configures optional Worker behavior.
	WorkerOption func(*Worker)
)

// WithWorkers sets the number of concurrent consumers. Non-positive values keep the default.
func WithWorkers(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

// WithBackoff sets the pause after a failed Receive. Non-positive values keep the default.
func WithBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.backoff = d
		}
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker creates a Worker. Returns ErrNilIngester if ingester is nil.
func NewWorker(q Queue, ingester Ingester, opts ...WorkerOption) (*Worker, error) {
	if ingester == nil {
		return nil, ErrNilIngester
	}

	w := &Worker{
		queue:    q,
		ingester: ingester,
		workers:  defaultWorkers,
		backoff:  time.Second,
		logger:   config.NewLogger(config.GetEnvLogLevel("FAULTLINE_LOG_LEVEL", slog.LevelInfo)),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Run consumes until ctx is cancelled or the queue is closed. Returns nil on either.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range w.workers {
		g.Go(func() error {
			return w.consume(ctx, i)
		})
	}

	w.logger.Info("queue workers started", slog.Int("workers", w.workers))

	err := g.Wait()

	w.logger.Info("queue workers stopped")

	return err
}

func (w *Worker) consume(ctx context.Context, id int) error {
	for {
		delivery, err := w.queue.Receive(ctx)

		switch {
		case err == nil:
			w.Handle(ctx, delivery)
		case ctx.Err() != nil, errors.Is(err, ErrQueueClosed):
			return nil
		default:
			w.logger.Error("failed to receive from queue",
				slog.Int("worker", id),
				slog.String("error", err.Error()),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.backoff):
			}
		}
	}
}

// Handle processes one delivery and settles it according to the outcome.
func (w *Worker) Handle(ctx context.Context, d *Delivery) {
	start := time.Now()

	if err := d.Verify(ctx); err != nil {
		if errors.Is(err, ErrDeliveryGone) {
			metrics.ReportsProcessed.WithLabelValues(metrics.OutcomeSkipped).Inc()
			w.logger.Debug("duplicate delivery skipped", slog.String("delivery_id", d.ID))

			return
		}

		// Not fatal: the ack at the end still settles ownership.
		w.logger.Warn("failed to verify delivery",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()),
		)
	}

	result, err := w.ingest(ctx, d.Payload)

	switch {
	case err == nil:
		outcome := metrics.OutcomeMerged
		if result.Created {
			outcome = metrics.OutcomeCreated
		}

		if w.settle(ctx, d) {
			w.logger.Info("delivery processed",
				slog.String("delivery_id", d.ID),
				slog.String("group_id", result.Group.ID),
				slog.String("outcome", outcome),
				slog.Duration("duration", time.Since(start)),
			)
		}

	case errors.Is(err, aggregation.ErrMalformedReport):
		metrics.ReportsProcessed.WithLabelValues(metrics.OutcomeRejected).Inc()
		w.logger.Warn("malformed report rejected",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()),
		)
		w.settle(ctx, d)

	default:
		metrics.ReportsProcessed.WithLabelValues(metrics.OutcomeFailed).Inc()
		w.logger.Error("report ingestion failed; will be redelivered",
			slog.String("delivery_id", d.ID),
			slog.Int("attempts", d.Attempts),
			slog.String("error", err.Error()),
		)

		if failErr := d.Fail(ctx, err); failErr != nil {
			w.logger.Error("failed to record delivery failure",
				slog.String("delivery_id", d.ID),
				slog.String("error", failErr.Error()),
			)
		}
	}
}

func (w *Worker) ingest(ctx context.Context, payload []byte) (*aggregation.Result, error) {
	report, err := aggregation.ParseReport(payload)
	if err != nil {
		return nil, err
	}

	return w.ingester.Ingest(ctx, report)
}

// settle acknowledges d and reports whether this worker owned it.
func (w *Worker) settle(ctx context.Context, d *Delivery) bool {
	err := d.Ack(ctx)
	if err == nil {
		return true
	}

	if errors.Is(err, ErrDeliveryGone) {
		metrics.ReportsProcessed.WithLabelValues(metrics.OutcomeSkipped).Inc()
		w.logger.Debug("duplicate delivery skipped", slog.String("delivery_id", d.ID))

		return false
	}

	w.logger.Error("failed to acknowledge delivery",
		slog.String("delivery_id", d.ID),
		slog.String("error", err.Error()),
	)

	return false
}
