package cache

import (
	"errors"
	"time"

	"github.com/faultline-io/faultline/internal/config"
)

const (
	defaultSize = 10_000
	defaultTTL  = time.Hour
)

var (
	// ErrInvalidSize indicates a non-positive cache size.
	ErrInvalidSize = errors.New("cache size must be positive")

	// ErrInvalidTTL indicates a negative TTL.
	ErrInvalidTTL = errors.New("cache TTL cannot be negative")
)

// Config holds group cache configuration.
type Config struct {
	Enabled bool
	Size    int
	// TTL bounds how long an entry may be served. Zero disables expiry.
	TTL time.Duration
}

// LoadConfig loads cache configuration from environment variables with sensible defaults.
func LoadConfig() *Config {
	return &Config{
		Enabled: config.GetEnvBool("FAULTLINE_CACHE_ENABLED", true),
		Size:    config.GetEnvInt("FAULTLINE_CACHE_SIZE", defaultSize),
		TTL:     config.GetEnvDuration("FAULTLINE_CACHE_TTL", defaultTTL),
	}
}

// Validate checks the configuration. A disabled cache is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Size <= 0 {
		return ErrInvalidSize
	}

	if c.TTL < 0 {
		return ErrInvalidTTL
	}

	return nil
}
