// Package cache holds the caches behind velocity counters and retrieval
// results.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// defaultLocalTTL caps how long a remote value is mirrored in process.
const defaultLocalTTL = 5 * time.Minute

// New creates the cache for cfg.Type. "memory" is an in-process LRU;
// "redis" is Redis, fronted by an LRU when EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis cache: %w", err)
		}
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
		}
		return remote, nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache mirrors remote values in a local LRU.
//
// Cached lookups (retrieval results) survive a remote outage: a failed remote
// read is a miss and a failed remote write still lands locally. Velocity
// counters are never mirrored, and their errors are returned so feature
// computation can fall back to transaction history.
type TwoPhaseCache struct {
	local    *LRUCache
	remote   domain.Cache
	localTTL time.Duration
	logger   *slog.Logger
}

var _ domain.Cache = (*TwoPhaseCache)(nil)

// NewTwoPhaseCache layers local over remote. A zero localTTL uses five minutes.
func NewTwoPhaseCache(local *LRUCache, remote domain.Cache, localTTL time.Duration) *TwoPhaseCache {
	if localTTL <= 0 {
		localTTL = defaultLocalTTL
	}
	return &TwoPhaseCache{
		local:    local,
		remote:   remote,
		localTTL: localTTL,
		logger:   slog.Default().With("component", "cache"),
	}
}

// Get reads the local layer, then the remote one, mirroring remote hits.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, _ := c.local.Get(ctx, key); val != nil {
		return val, nil
	}

	val, err := c.remote.Get(ctx, key)
	if err != nil {
		cacheRequests.WithLabelValues("remote", "error").Inc()
		c.logger.Warn("remote cache read failed, treating as miss", "key", key, "error", err)
		return nil, nil
	}
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.localTTL)
	}
	return val, nil
}

// Set writes locally with at most localTTL, then remotely with ttl.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	localTTL := c.localTTL
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}
	_ = c.local.Set(ctx, key, value, localTTL)

	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		cacheRequests.WithLabelValues("remote", "error").Inc()
		return fmt.Errorf("remote cache write: %w", err)
	}
	return nil
}

// Delete removes key from both layers. The local copy is always dropped.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	return c.remote.Delete(ctx, key)
}

// IncrementCounter counts in the remote layer only so every replica sees
// the same velocity.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, key, window)
}

// Ping reports the remote layer's health; the local layer cannot fail.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("remote cache: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns local layer statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
