package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/faultline/internal/storage"
)

func TestLoadConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("defaults", func(t *testing.T) {
		cfg := LoadConfig()

		assert.Equal(t, BackendPostgres, cfg.Backend)
		assert.Equal(t, 30*time.Second, cfg.Lease)
		assert.Equal(t, 5, cfg.MaxAttempts)
		assert.Equal(t, "@every 1m", cfg.MaintenanceSchedule)
		assert.Equal(t, 7*24*time.Hour, cfg.DeadLetterRetention)
		require.NoError(t, cfg.Validate())
	})

	t.Run("kafka from environment", func(t *testing.T) {
		t.Setenv("FAULTLINE_QUEUE_BACKEND", "kafka")
		t.Setenv("FAULTLINE_KAFKA_BROKERS", "k1:9092, k2:9092")
		t.Setenv("FAULTLINE_KAFKA_TOPIC", "reports")
		t.Setenv("FAULTLINE_WORKERS", "8")

		cfg := LoadConfig()

		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
		assert.Equal(t, "reports", cfg.KafkaTopic)
		assert.Equal(t, 8, cfg.Workers)
		require.NoError(t, cfg.Validate())
	})
}

func TestConfig_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := func() *Config {
		return &Config{
			Backend:      BackendMemory,
			Lease:        time.Second,
			MaxAttempts:  3,
			PollInterval: time.Second,
			Workers:      1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "sqs" }, wantErr: ErrUnknownBackend},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Backend = BackendKafka }, wantErr: ErrNoKafkaBrokers},
		{name: "zero lease", mutate: func(c *Config) { c.Lease = 0 }, wantErr: ErrInvalidLease},
		{name: "zero attempts", mutate: func(c *Config) { c.MaxAttempts = 0 }, wantErr: ErrInvalidMaxAttempts},
		{name: "zero poll", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: ErrInvalidPollInterval},
		{name: "zero workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: ErrInvalidWorkers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOpen(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &Config{Backend: BackendMemory, Lease: time.Second, MaxAttempts: 3, PollInterval: time.Second, Workers: 1}

	q, err := Open(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	cfg.Backend = BackendPostgres
	_, err = Open(cfg, nil)
	require.ErrorIs(t, err, storage.ErrNoDatabaseConnection)
}
