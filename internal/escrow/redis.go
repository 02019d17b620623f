package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

const (
	keyEscrowCounter  = "x402:escrow:counter"
	keyPaymentCounter = "x402:escrow:payment-counter"

	// maxTxAttempts bounds optimistic retries before ErrConflict.
	maxTxAttempts = 10
)

// RedisStore keeps escrow state in Redis. Records are JSON strings without
// expiry.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore wraps rdb.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func escrowRecordKey(id uint64) string {
	return "x402:escrow:" + strconv.FormatUint(id, 10)
}

func paymentRecordKey(id uint64) string {
	return "x402:escrow-payment:" + strconv.FormatUint(id, 10)
}

func pairKey(client, server string) string {
	return "x402:escrow-pair:" + client + ":" + server
}

// next turns INCR's 1-based result into a 0-based ID.
func (r *RedisStore) next(ctx context.Context, key string) (uint64, error) {
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("escrow: incr %s: %w", key, err)
	}
	return uint64(n - 1), nil
}

func (r *RedisStore) NextEscrowID(ctx context.Context) (uint64, error) {
	return r.next(ctx, keyEscrowCounter)
}

func (r *RedisStore) NextPaymentID(ctx context.Context) (uint64, error) {
	return r.next(ctx, keyPaymentCounter)
}

func (r *RedisStore) ClaimPair(ctx context.Context, client, server string, id uint64) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, pairKey(client, server), id, 0).Result()
	if err != nil {
		return false, fmt.Errorf("escrow: claim pair: %w", err)
	}
	return ok, nil
}

func (r *RedisStore) FindPair(ctx context.Context, client, server string) (uint64, bool, error) {
	id, err := r.rdb.Get(ctx, pairKey(client, server)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("escrow: find pair: %w", err)
	}
	return id, true, nil
}

func (r *RedisStore) ReleasePair(ctx context.Context, client, server string) error {
	if err := r.rdb.Del(ctx, pairKey(client, server)).Err(); err != nil {
		return fmt.Errorf("escrow: release pair: %w", err)
	}
	return nil
}

func (r *RedisStore) SaveEscrow(ctx context.Context, e *Escrow) error {
	return r.put(ctx, escrowRecordKey(e.ID), e)
}

func (r *RedisStore) GetEscrow(ctx context.Context, id uint64) (*Escrow, error) {
	var e Escrow
	if err := r.get(ctx, escrowRecordKey(id), &e, ErrEscrowNotFound); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *RedisStore) DeleteEscrow(ctx context.Context, id uint64) error {
	if err := r.rdb.Del(ctx, escrowRecordKey(id)).Err(); err != nil {
		return fmt.Errorf("escrow: delete %d: %w", id, err)
	}
	return nil
}

func (r *RedisStore) SavePayment(ctx context.Context, p *Payment) error {
	return r.put(ctx, paymentRecordKey(p.ID), p)
}

func (r *RedisStore) GetPayment(ctx context.Context, id uint64) (*Payment, error) {
	var p Payment
	if err := r.get(ctx, paymentRecordKey(id), &p, ErrPaymentNotFound); err != nil {
		return nil, err
	}
	return &p, nil
}

// Atomic runs fn under WATCH. Every key fn reads is watched before it is
// read, writes are queued and applied in one MULTI/EXEC, and the whole run
// is retried when a watched key changed.
func (r *RedisStore) Atomic(ctx context.Context, fn func(tx Txn) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			t := &redisTxn{tx: tx}
			if err := fn(t); err != nil {
				return err
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, op := range t.ops {
					op(ctx, pipe)
				}
				return nil
			})
			return err
		})
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrConflict
}

// redisTxn reads through a watched connection and queues writes.
type redisTxn struct {
	tx  *redis.Tx
	ops []func(ctx context.Context, pipe redis.Pipeliner)
}

func (t *redisTxn) GetEscrow(ctx context.Context, id uint64) (*Escrow, error) {
	var e Escrow
	if err := t.get(ctx, escrowRecordKey(id), &e, ErrEscrowNotFound); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *redisTxn) GetPayment(ctx context.Context, id uint64) (*Payment, error) {
	var p Payment
	if err := t.get(ctx, paymentRecordKey(id), &p, ErrPaymentNotFound); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *redisTxn) SaveEscrow(_ context.Context, e *Escrow) error {
	return t.put(escrowRecordKey(e.ID), e)
}

func (t *redisTxn) SavePayment(_ context.Context, p *Payment) error {
	return t.put(paymentRecordKey(p.ID), p)
}

func (t *redisTxn) DeleteEscrow(_ context.Context, id uint64) error {
	key := escrowRecordKey(id)
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) { pipe.Del(ctx, key) })
	return nil
}

func (t *redisTxn) ReleasePair(_ context.Context, client, server string) error {
	key := pairKey(client, server)
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) { pipe.Del(ctx, key) })
	return nil
}

func (t *redisTxn) get(ctx context.Context, key string, v interface{}, notFound error) error {
	if err := t.tx.Watch(ctx, key).Err(); err != nil {
		return fmt.Errorf("escrow: watch %s: %w", key, err)
	}
	return decode(t.tx.Get(ctx, key), key, v, notFound)
}

func (t *redisTxn) put(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("escrow: marshal %s: %w", key, err)
	}
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) { pipe.Set(ctx, key, raw, 0) })
	return nil
}

func (r *RedisStore) put(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("escrow: marshal %s: %w", key, err)
	}
	if err := r.rdb.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("escrow: set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) get(ctx context.Context, key string, v interface{}, notFound error) error {
	return decode(r.rdb.Get(ctx, key), key, v, notFound)
}

func decode(cmd *redis.StringCmd, key string, v interface{}, notFound error) error {
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("escrow: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("escrow: decode %s: %w", key, err)
	}
	return nil
}
