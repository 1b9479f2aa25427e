package middleware

import (
	"time"

	"github.com/faultline-io/faultline/internal/config"
)

// Config holds rate limiter configuration.
//
// Rates are requests per second for three tiers: global, per client, and unauthenticated.
// A zero burst is computed as 2 × rate.
type Config struct {
	GlobalRPS int
	ClientRPS int
	UnAuthRPS int

	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxClients      int
}

// LoadConfig loads rate limiter configuration from FAULTLINE_* environment variables.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("FAULTLINE_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("FAULTLINE_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("FAULTLINE_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("FAULTLINE_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("FAULTLINE_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("FAULTLINE_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration("FAULTLINE_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("FAULTLINE_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:      config.GetEnvInt("FAULTLINE_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
