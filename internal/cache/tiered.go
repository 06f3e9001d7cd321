package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/tiercalc/internal/domain"
)

const defaultNearTTL = 5 * time.Minute

// TieredCache reads through an in-process LRU to Redis. Redis is
// authoritative; the LRU only holds copies for at most nearTTL.
type TieredCache struct {
	scoped
	near    *LRUCache
	far     *RedisCache
	nearTTL time.Duration
}

// NewTieredCache connects to Redis and puts an LRU of cfg.LocalMaxSize in
// front of it.
func NewTieredCache(cfg domain.CacheConfig) (*TieredCache, error) {
	far, err := NewRedisCache(cfg)
	if err != nil {
		return nil, err
	}

	nearTTL := cfg.LocalTTL
	if nearTTL <= 0 {
		nearTTL = defaultNearTTL
	}

	c := &TieredCache{
		near:    NewLRUCache(cfg.LocalMaxSize),
		far:     far,
		nearTTL: nearTTL,
	}
	c.scoped = scoped{store: c}
	return c, nil
}

// copyTTL caps how long the LRU may keep a copy.
func (c *TieredCache) copyTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.nearTTL {
		return ttl
	}
	return c.nearTTL
}

func (c *TieredCache) load(ctx context.Context, key string) ([]byte, error) {
	if val, _ := c.near.load(ctx, key); val != nil {
		return val, nil
	}
	val, err := c.far.load(ctx, key)
	if err != nil || val == nil {
		return nil, err
	}
	_ = c.near.save(ctx, key, val, c.nearTTL)
	return val, nil
}

func (c *TieredCache) save(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.far.save(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.near.save(ctx, key, value, c.copyTTL(ttl))
}

// saveNew lets Redis pick the winner, then copies the winner locally.
func (c *TieredCache) saveNew(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.far.saveNew(ctx, key, value, ttl); err != nil {
		return err
	}
	winner, err := c.far.load(ctx, key)
	if err != nil || winner == nil {
		return err
	}
	return c.near.save(ctx, key, winner, c.copyTTL(ttl))
}

func (c *TieredCache) drop(ctx context.Context, key string) error {
	_ = c.near.drop(ctx, key)
	return c.far.drop(ctx, key)
}

func (c *TieredCache) ping(ctx context.Context) error {
	if err := c.far.ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (c *TieredCache) close() error {
	_ = c.near.close()
	return c.far.close()
}

// Stats reports the in-process tier.
func (c *TieredCache) Stats() (size int, capacity int) {
	return c.near.Stats()
}
