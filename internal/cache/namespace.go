// Package cache keeps recently resolved catalog records in redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"schema-tenancy/internal/model"
)

var ErrMiss = errors.New("cache miss")

const keyPrefix = "tenancy:namespace:"

// Lookup is the catalog read the cache sits in front of. Entries are keyed by namespace
// only, so one key never stands for two tenants.
type Lookup interface {
	TenantByNamespace(ctx context.Context, ns string) (*model.Tenant, error)
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NamespaceCache serves TenantByNamespace from redis and falls back to the catalog. Redis
// errors degrade to a catalog read; they never fail the lookup.
type NamespaceCache struct {
	c      *redis.Client
	next   Lookup
	ttl    time.Duration
	logger *zap.Logger
}

func NewNamespaceCache(c *redis.Client, next Lookup, ttl time.Duration, logger *zap.Logger) *NamespaceCache {
	return &NamespaceCache{c: c, next: next, ttl: ttl, logger: logger}
}

func (n *NamespaceCache) TenantByNamespace(ctx context.Context, ns string) (*model.Tenant, error) {
	t, err := n.get(ctx, ns)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrMiss) {
		n.logger.Warn("tenant cache read failed", zap.String("namespace", ns), zap.Error(err))
	}

	t, err = n.next.TenantByNamespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	if err := n.set(ctx, ns, t); err != nil {
		n.logger.Warn("tenant cache write failed", zap.String("namespace", ns), zap.Error(err))
	}
	return t, nil
}

// Invalidate drops the tenant's cached entry.
func (n *NamespaceCache) Invalidate(ctx context.Context, t *model.Tenant) error {
	return n.c.Del(ctx, keyPrefix+t.Namespace).Err()
}

func (n *NamespaceCache) get(ctx context.Context, ns string) (*model.Tenant, error) {
	val, err := n.c.Get(ctx, keyPrefix+ns).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrMiss
		}
		return nil, err
	}
	var t model.Tenant
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (n *NamespaceCache) set(ctx context.Context, ns string, t *model.Tenant) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return n.c.Set(ctx, keyPrefix+ns, b, n.ttl).Err()
}
