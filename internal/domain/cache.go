package domain

import (
	"context"
	"time"
)

// Cache stores short-lived bytes per tenant: usage totals and idempotent
// calculation responses. Misses return nil, nil.
type Cache interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error

	// GetCalculation returns the calculation stored under an idempotency key.
	GetCalculation(ctx context.Context, tenantID string, idempotencyKey string) (*Calculation, error)

	// SetCalculation stores calc unless the key already holds one, so
	// retries of a request always replay the first answer.
	SetCalculation(ctx context.Context, tenantID string, idempotencyKey string, calc *Calculation, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the cache. Type is "memory" or "redis".
type CacheConfig struct {
	Type string `mapstructure:"type"`

	// LocalMaxSize and LocalTTL bound the in-process LRU, alone or in front
	// of Redis.
	LocalMaxSize int           `mapstructure:"local_max_size"`
	LocalTTL     time.Duration `mapstructure:"local_ttl"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// EnableTwoPhase puts the LRU in front of Redis.
	EnableTwoPhase bool `mapstructure:"enable_two_phase"`

	// IdempotencyTTL is how long a replayable response is kept.
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}
