package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/redis/go-redis/v9"
)

// redisKeyspace prefixes every key so tiercalc can share a Redis database.
const redisKeyspace = "tiercalc:"

// RedisCache keeps entries in Redis, shared by every node.
type RedisCache struct {
	scoped
	client *redis.Client
}

// NewRedisCache connects to the Redis server in cfg and checks it answers.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	c := &RedisCache{client: client}
	c.scoped = scoped{store: c}
	return c, nil
}

func (c *RedisCache) load(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, redisKeyspace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

func (c *RedisCache) save(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, redisKeyspace+key, value, ttl).Err()
}

// saveNew uses SET NX, so concurrent nodes agree on the first value.
func (c *RedisCache) saveNew(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.client.SetArgs(ctx, redisKeyspace+key, value, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (c *RedisCache) drop(ctx context.Context, key string) error {
	return c.client.Del(ctx, redisKeyspace+key).Err()
}

func (c *RedisCache) ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) close() error {
	return c.client.Close()
}
