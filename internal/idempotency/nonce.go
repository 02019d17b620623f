package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Nonces remembers single-use request nonces for a bounded window.
type Nonces interface {
	// Claim records nonce for ttl and reports whether it was unseen.
	Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonces is a single-process Nonces.
type MemoryNonces struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	claims  int
	now     func() time.Time
	sweepAt int
}

// NewMemoryNonces creates an empty MemoryNonces.
func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{seen: make(map[string]time.Time), now: time.Now, sweepAt: 1024}
}

func (m *MemoryNonces) Claim(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.seen[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[nonce] = now.Add(ttl)

	m.claims++
	if m.claims >= m.sweepAt {
		m.claims = 0
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	return true, nil
}

const redisNoncePrefix = "x402:nonce:"

// RedisNonces shares nonces between facilitator replicas with SETNX.
type RedisNonces struct {
	rdb redis.UniversalClient
}

// NewRedisNonces wraps rdb.
func NewRedisNonces(rdb redis.UniversalClient) *RedisNonces {
	return &RedisNonces{rdb: rdb}
}

func (r *RedisNonces) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, redisNoncePrefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: claim nonce: %w", err)
	}
	return ok, nil
}
