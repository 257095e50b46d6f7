// Package cache keeps recently looked-up posting lists in Redis. Keys are
// namespaced by index generation, so a recommitted directory never serves
// stale lists. Concurrent misses for one token share a single lookup, and
// a circuit breaker stops hammering Redis while it is unavailable; in both
// failure modes lookups fall through to the index.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/record"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/resilience"
)

const keyPrefix = "postings:"

// Store is the subset of the Redis client the cache uses.
type Store interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type PostingCache struct {
	store      Store
	ttl        time.Duration
	generation string
	breaker    *resilience.CircuitBreaker
	metrics    *metrics.Metrics
	group      singleflight.Group
	logger     *slog.Logger
	hits       atomic.Int64
	misses     atomic.Int64
}

// New creates a cache for the index generation gen.
func New(store Store, cfg config.RedisConfig, gen string, m *metrics.Metrics) *PostingCache {
	breaker := resilience.NewCircuitBreaker("redis-cache", resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
		OnStateChange: func(name string, to resilience.State) {
			m.SetBreakerState(name, int(to))
		},
	})
	return &PostingCache{
		store:      store,
		ttl:        cfg.CacheTTL,
		generation: gen,
		breaker:    breaker,
		metrics:    m,
		logger:     logger.WithComponent("posting-cache"),
	}
}

// Get returns the cached posting list for token. Redis errors and corrupt
// entries are reported as misses.
func (c *PostingCache) Get(ctx context.Context, token string) ([]uint32, bool) {
	key := c.key(token)
	var data []byte
	err := c.breaker.Execute(func() error {
		var err error
		data, err = c.store.GetBytes(ctx, key)
		if pkgredis.IsNilError(err) {
			return nil
		}
		return err
	})
	if err != nil || data == nil {
		if err != nil {
			c.logger.Debug("cache get failed", "key", key, "error", err)
		}
		c.recordMiss()
		return nil, false
	}
	values, err := decode(data)
	if err != nil {
		c.logger.Warn("discarding corrupt cache entry", "key", key, "error", err)
		c.recordMiss()
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.ObserveCache(true)
	return values, true
}

// Set stores values for token. Failures are logged and otherwise ignored.
func (c *PostingCache) Set(ctx context.Context, token string, values []uint32) {
	key := c.key(token)
	data := record.AppendPostings(nil, values)
	err := c.breaker.Execute(func() error {
		return c.store.Set(ctx, key, data, c.ttl)
	})
	if err != nil {
		c.logger.Debug("cache set failed", "key", key, "error", err)
	}
}

// GetOrLoad returns the cached list for token, or calls load once for all
// concurrent callers that miss on the same token and caches its result.
func (c *PostingCache) GetOrLoad(ctx context.Context, token string, load func() ([]uint32, error)) ([]uint32, bool, error) {
	if values, ok := c.Get(ctx, token); ok {
		return values, true, nil
	}
	val, err, _ := c.group.Do(c.key(token), func() (interface{}, error) {
		values, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, token, values)
		return values, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]uint32), false, nil
}

// Purge removes every cached entry of every generation.
func (c *PostingCache) Purge(ctx context.Context) error {
	deleted, err := c.store.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("purging posting cache: %w", err)
	}
	c.logger.Info("posting cache purged", "keys_deleted", deleted)
	return nil
}

func (c *PostingCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *PostingCache) recordMiss() {
	c.misses.Add(1)
	c.metrics.ObserveCache(false)
}

func (c *PostingCache) key(token string) string {
	hash := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%s%s:%x", keyPrefix, c.generation, hash[:16])
}

func decode(data []byte) ([]uint32, error) {
	if len(data) < record.IntSize {
		return nil, fmt.Errorf("cache entry is %d bytes", len(data))
	}
	n, err := record.DecodeCount(data)
	if err != nil {
		return nil, err
	}
	if len(data) != record.PostingsSize(n) {
		return nil, fmt.Errorf("cache entry is %d bytes, want %d", len(data), record.PostingsSize(n))
	}
	return record.DecodeValues(make([]uint32, 0, n), data[record.IntSize:]), nil
}
