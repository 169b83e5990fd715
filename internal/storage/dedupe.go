package storage

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper tracks idempotency keys within the retention window. FirstSight
// returns true exactly once per (tenant, key); later calls within the window
// return false.
type Deduper interface {
	FirstSight(ctx context.Context, tenantID, key string) (bool, error)
}

// RedisDeduper enforces idempotency with SETNX keys expiring at the
// retention horizon.
type RedisDeduper struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper.
func NewRedisDeduper(client *redis.Client, retention time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, retention: retention}
}

func (d *RedisDeduper) FirstSight(ctx context.Context, tenantID, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "idem:"+tenantID+":"+key, 1, d.retention).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// MemoryDeduper is the in-process fallback when Redis is unavailable.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDeduper creates an in-memory deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) FirstSight(ctx context.Context, tenantID, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := tenantID + ":" + key
	if _, ok := d.seen[k]; ok {
		return false, nil
	}
	d.seen[k] = struct{}{}
	return true, nil
}
