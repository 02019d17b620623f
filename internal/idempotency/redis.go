package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

const (
	redisKeyPrefix = "x402:settle:"
	inFlightMarker = "in_flight"
)

// RedisStore shares settlement keys between facilitator replicas.
type RedisStore struct {
	rdb         redis.UniversalClient
	ttl         time.Duration
	inFlightTTL time.Duration
}

// NewRedisStore wraps rdb. Zero durations use the MemoryStore defaults.
func NewRedisStore(rdb redis.UniversalClient, ttl, inFlightTTL time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if inFlightTTL <= 0 {
		inFlightTTL = 2 * time.Minute
	}
	return &RedisStore{rdb: rdb, ttl: ttl, inFlightTTL: inFlightTTL}
}

func (r *RedisStore) Begin(ctx context.Context, key string) (State, *x402.SettleResponse, error) {
	ok, err := r.rdb.SetNX(ctx, redisKeyPrefix+key, inFlightMarker, r.inFlightTTL).Result()
	if err != nil {
		return StateNew, nil, fmt.Errorf("idempotency: claim %s: %w", key, err)
	}
	if ok {
		return StateNew, nil, nil
	}

	state, resp, err := r.Get(ctx, key)
	if err != nil {
		return StateNew, nil, err
	}
	if state == StateNew {
		// Released between SETNX and GET; let the caller poll and claim again.
		return StateInFlight, nil, nil
	}
	return state, resp, nil
}

func (r *RedisStore) Complete(ctx context.Context, key string, resp *x402.SettleResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("idempotency: marshal result: %w", err)
	}
	if err := r.rdb.Set(ctx, redisKeyPrefix+key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: complete %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Fail(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (State, *x402.SettleResponse, error) {
	val, err := r.rdb.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return StateNew, nil, nil
	}
	if err != nil {
		return StateNew, nil, fmt.Errorf("idempotency: get %s: %w", key, err)
	}
	if val == inFlightMarker {
		return StateInFlight, nil, nil
	}

	var resp x402.SettleResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return StateNew, nil, fmt.Errorf("idempotency: decode result %s: %w", key, err)
	}
	return StateDone, &resp, nil
}
