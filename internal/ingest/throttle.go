package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Throttle admits or rejects per-tenant write batches. Implementations must
// be safe for concurrent use.
type Throttle interface {
	// Allow reports whether the tenant may write n more events right now.
	Allow(ctx context.Context, tenantID string, n int) (bool, error)
}

// =============================================
// In-memory throttle
// =============================================

// MemoryThrottle keeps one token bucket per tenant in process. Suitable for
// single-instance deployments and tests.
type MemoryThrottle struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryThrottle creates a per-tenant token-bucket throttle.
func NewMemoryThrottle(rps float64, burst int) *MemoryThrottle {
	return &MemoryThrottle{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *MemoryThrottle) Allow(_ context.Context, tenantID string, n int) (bool, error) {
	t.mu.Lock()
	limiter, ok := t.limiters[tenantID]
	if !ok {
		limiter = rate.NewLimiter(t.rps, t.burst)
		t.limiters[tenantID] = limiter
	}
	t.mu.Unlock()
	return limiter.AllowN(time.Now(), n), nil
}

// =============================================
// Redis throttle
// =============================================

// RedisThrottle enforces a shared per-tenant rate across instances using a
// fixed one-second window counter in Redis.
type RedisThrottle struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewRedisThrottle creates a Redis-backed tenant throttle.
func NewRedisThrottle(client *redis.Client, rps float64, burst int) *RedisThrottle {
	return &RedisThrottle{client: client, rps: rps, burst: burst}
}

func (t *RedisThrottle) Allow(ctx context.Context, tenantID string, n int) (bool, error) {
	window := time.Now().Unix()
	key := fmt.Sprintf("ingest:rate:%s:%d", tenantID, window)

	pipe := t.client.Pipeline()
	count := pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check tenant rate: %w", err)
	}

	limit := int64(t.rps)
	if int64(t.burst) > limit {
		limit = int64(t.burst)
	}
	if count.Val() > limit {
		// roll the increment back so a retry after backoff is not
		// penalized for the rejected batch
		t.client.DecrBy(ctx, key, int64(n))
		return false, nil
	}
	return true, nil
}
