package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMaintainer struct {
	runs atomic.Int32
	err  error
}

func (m *countingMaintainer) Maintain(context.Context) error {
	m.runs.Add(1)

	return m.err
}

func TestScheduleMaintenance(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.DiscardHandler)

	t.Run("runs on schedule", func(t *testing.T) {
		m := &countingMaintainer{err: errors.New("transient")}

		scheduler, err := ScheduleMaintenance(t.Context(), m, "@every 1s", logger)
		require.NoError(t, err)

		defer scheduler.Stop()

		assert.Eventually(t, func() bool { return m.runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond,
			"a failing run does not stop the schedule")
	})

	t.Run("invalid spec", func(t *testing.T) {
		_, err := ScheduleMaintenance(t.Context(), &countingMaintainer{}, "every minute", logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid maintenance schedule")
	})

	t.Run("cancelled context skips runs", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		m := &countingMaintainer{}

		scheduler, err := ScheduleMaintenance(ctx, m, "@every 1s", logger)
		require.NoError(t, err)

		time.Sleep(1500 * time.Millisecond)
		<-scheduler.Stop().Done()

		assert.Zero(t, m.runs.Load())
	})
}
