package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ScheduleMaintenance runs m.Maintain on the cron spec (for example "@every 1m") until the
// returned scheduler is stopped. Runs never overlap; a run still in progress when the next
// one is due makes the scheduler skip it. Each run is bounded by ctx.
func ScheduleMaintenance(ctx context.Context, m Maintainer, spec string, logger *slog.Logger) (*cron.Cron, error) {
	scheduler := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	_, err := scheduler.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}

		if err := m.Maintain(ctx); err != nil {
			logger.Error("queue maintenance failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}

	scheduler.Start()

	return scheduler, nil
}
