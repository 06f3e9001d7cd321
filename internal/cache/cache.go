// Package cache keeps idempotent responses and usage totals per tenant, in
// process memory, in Redis, or in memory in front of Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/tiercalc/internal/domain"
)

// ErrTenantRequired is returned for every call made without a tenant.
var ErrTenantRequired = errors.New("tenantID is required")

// idempotencyPrefix keeps stored calculations apart from plain entries.
const idempotencyPrefix = "idem:"

// New builds the cache named by cfg.Type: "memory" or "redis". Redis is
// fronted by an in-process cache when EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTieredCache(cfg)
		}
		return NewRedisCache(cfg)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// store is a flat byte store keyed by full keys.
type store interface {
	load(ctx context.Context, key string) ([]byte, error)
	save(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// saveNew stores value only when key holds nothing live.
	saveNew(ctx context.Context, key string, value []byte, ttl time.Duration) error
	drop(ctx context.Context, key string) error
	ping(ctx context.Context) error
	close() error
}

// scoped implements domain.Cache over a store, prefixing every key with its
// tenant.
type scoped struct {
	store store
}

func tenantKey(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	return tenantID + ":" + key, nil
}

// Get returns nil, nil on a miss.
func (s scoped) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	k, err := tenantKey(tenantID, key)
	if err != nil {
		return nil, err
	}
	return s.store.load(ctx, k)
}

func (s scoped) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	k, err := tenantKey(tenantID, key)
	if err != nil {
		return err
	}
	return s.store.save(ctx, k, value, ttl)
}

func (s scoped) Delete(ctx context.Context, tenantID string, key string) error {
	k, err := tenantKey(tenantID, key)
	if err != nil {
		return err
	}
	return s.store.drop(ctx, k)
}

// GetCalculation returns the calculation remembered for an idempotency key,
// or nil, nil when the key is unused.
func (s scoped) GetCalculation(ctx context.Context, tenantID string, idemKey string) (*domain.Calculation, error) {
	data, err := s.Get(ctx, tenantID, idempotencyPrefix+idemKey)
	if err != nil || data == nil {
		return nil, err
	}
	var calc domain.Calculation
	if err := json.Unmarshal(data, &calc); err != nil {
		return nil, fmt.Errorf("failed to decode cached calculation: %w", err)
	}
	return &calc, nil
}

// SetCalculation remembers calc unless the key already has one. The first
// calculation stored for a key is the one replayed.
func (s scoped) SetCalculation(ctx context.Context, tenantID string, idemKey string, calc *domain.Calculation, ttl time.Duration) error {
	k, err := tenantKey(tenantID, idempotencyPrefix+idemKey)
	if err != nil {
		return err
	}
	if calc == nil {
		return fmt.Errorf("%w: calculation is required", domain.ErrInvalidInput)
	}
	data, err := json.Marshal(calc)
	if err != nil {
		return fmt.Errorf("failed to encode calculation: %w", err)
	}
	return s.store.saveNew(ctx, k, data, ttl)
}

func (s scoped) Ping(ctx context.Context) error {
	return s.store.ping(ctx)
}

func (s scoped) Close() error {
	return s.store.close()
}
