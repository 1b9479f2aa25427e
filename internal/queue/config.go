package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/faultline-io/faultline/internal/config"
)

// Backend names accepted by FAULTLINE_QUEUE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendKafka    = "kafka"
	BackendMemory   = "memory"
)

const (
	defaultLease               = 30 * time.Second
	defaultMaxAttempts         = 5
	defaultPollInterval        = 500 * time.Millisecond
	defaultWorkers             = 4
	defaultMemoryBuffer        = 1024
	defaultKafkaTopic          = "faultline.reports"
	defaultKafkaGroup          = "faultline-ingester"
	defaultMaintenanceSchedule = "@every 1m"
	defaultDeadLetterRetention = 7 * 24 * time.Hour
)

var (
	// ErrUnknownBackend indicates an unsupported FAULTLINE_QUEUE_BACKEND value.
	ErrUnknownBackend = errors.New("unknown queue backend")

	// ErrInvalidLease indicates a non-positive lease.
	ErrInvalidLease = errors.New("queue lease must be positive")

	// ErrInvalidMaxAttempts indicates a non-positive attempt limit.
	ErrInvalidMaxAttempts = errors.New("queue max attempts must be positive")

	// ErrInvalidPollInterval indicates a non-positive poll interval.
	ErrInvalidPollInterval = errors.New("queue poll interval must be positive")

	// ErrInvalidWorkers indicates a non-positive worker count.
	ErrInvalidWorkers = errors.New("worker count must be positive")

	// ErrNoKafkaBrokers indicates the kafka backend was selected without brokers.
	ErrNoKafkaBrokers = errors.New("kafka backend requires FAULTLINE_KAFKA_BROKERS")
)

// Config holds queue and worker configuration.
type Config struct {
	Backend             string
	Lease               time.Duration
	MaxAttempts         int
	PollInterval        time.Duration
	Workers             int
	MemoryBuffer        int
	KafkaBrokers        []string
	KafkaTopic          string
	KafkaGroup          string
	MaintenanceSchedule string
	DeadLetterRetention time.Duration
}

// LoadConfig loads queue configuration from environment variables with sensible defaults.
func LoadConfig() *Config {
	return &Config{
		Backend:             config.GetEnvStr("FAULTLINE_QUEUE_BACKEND", BackendPostgres),
		Lease:               config.GetEnvDuration("FAULTLINE_QUEUE_LEASE", defaultLease),
		MaxAttempts:         config.GetEnvInt("FAULTLINE_QUEUE_MAX_ATTEMPTS", defaultMaxAttempts),
		PollInterval:        config.GetEnvDuration("FAULTLINE_QUEUE_POLL_INTERVAL", defaultPollInterval),
		Workers:             config.GetEnvInt("FAULTLINE_WORKERS", defaultWorkers),
		MemoryBuffer:        config.GetEnvInt("FAULTLINE_QUEUE_MEMORY_BUFFER", defaultMemoryBuffer),
		KafkaBrokers:        config.GetEnvList("FAULTLINE_KAFKA_BROKERS", nil),
		KafkaTopic:          config.GetEnvStr("FAULTLINE_KAFKA_TOPIC", defaultKafkaTopic),
		KafkaGroup:          config.GetEnvStr("FAULTLINE_KAFKA_GROUP", defaultKafkaGroup),
		MaintenanceSchedule: config.GetEnvStr("FAULTLINE_QUEUE_MAINTENANCE_SCHEDULE", defaultMaintenanceSchedule),
		DeadLetterRetention: config.GetEnvDuration("FAULTLINE_QUEUE_DEAD_LETTER_RETENTION", defaultDeadLetterRetention),
	}
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres, BackendMemory:
	case BackendKafka:
		if len(c.KafkaBrokers) == 0 {
			return ErrNoKafkaBrokers
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	if c.Lease <= 0 {
		return ErrInvalidLease
	}

	if c.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}

	if c.Workers <= 0 {
		return ErrInvalidWorkers
	}

	return nil
}
