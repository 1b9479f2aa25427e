// Package cache provides aggregation.GroupCache implementations.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/faultline-io/faultline/internal/aggregation"
)

var _ aggregation.GroupCache = (*LRU)(nil)

// LRU is a bounded, expiring group cache. Entries are cloned on the way in and out,
// so callers never share a snapshot with the cache.
type LRU struct {
	entries *expirable.LRU[string, *aggregation.ErrorGroup]
}

// NewLRU creates a cache holding at most size groups, each for at most ttl (zero: no expiry).
func NewLRU(size int, ttl time.Duration) *LRU {
	return &LRU{entries: expirable.NewLRU[string, *aggregation.ErrorGroup](size, nil, ttl)}
}

// New builds the cache described by cfg: an LRU when enabled, otherwise nil.
// Returns the configuration error when cfg is invalid.
func New(cfg *Config) (aggregation.GroupCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Enabled {
		return nil, nil //nolint:nilnil
	}

	return NewLRU(cfg.Size, cfg.TTL), nil
}

// Get implements aggregation.GroupCache.
func (c *LRU) Get(key string) (*aggregation.ErrorGroup, bool) {
	group, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}

	return group.Clone(), true
}

// Set implements aggregation.GroupCache.
func (c *LRU) Set(key string, group *aggregation.ErrorGroup) {
	if group == nil {
		return
	}

	c.entries.Add(key, group.Clone())
}

// Delete implements aggregation.GroupCache.
func (c *LRU) Delete(key string) {
	c.entries.Remove(key)
}

// Purge implements aggregation.GroupCache.
func (c *LRU) Purge() {
	c.entries.Purge()
}

// Len returns the number of cached groups, expired entries included until they are evicted.
func (c *LRU) Len() int {
	return c.entries.Len()
}
