package queue

import (
	"fmt"

	"github.com/faultline-io/faultline/internal/storage"
)

// Open creates the queue selected by cfg.Backend. conn is required for the postgres backend only.
func Open(cfg *Config, conn *storage.Connection) (Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendPostgres:
		q, err := NewPostgresQueue(conn, cfg)
		if err != nil {
			return nil, err
		}

		return q, nil
	case BackendKafka:
		q, err := NewKafkaQueue(cfg)
		if err != nil {
			return nil, err
		}

		return q, nil
	case BackendMemory:
		return NewMemoryQueue(cfg.MemoryBuffer, cfg.MaxAttempts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
