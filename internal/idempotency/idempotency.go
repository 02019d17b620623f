// Package idempotency deduplicates settlement of the same signed transaction.
//
// A client that retries /settle while the first attempt is still waiting for
// ledger confirmation would otherwise trigger a second submission. The
// Settler claims the transaction key before settling: later callers with the
// same key either wait for the in-flight attempt or receive its cached
// result. Failed settlements are never cached so a client may retry them.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

// State is the lifecycle position of a key.
type State int

const (
	// StateNew means the caller now owns the key and must settle.
	StateNew State = iota
	// StateInFlight means another caller is settling.
	StateInFlight
	// StateDone means a successful result is cached.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInFlight:
		return "in_flight"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// DefaultTTL is how long a successful result stays cached.
const DefaultTTL = time.Hour

// Store tracks settlement keys.
type Store interface {
	// Begin atomically claims key. When the key is already claimed the
	// current state is returned, with the cached result for StateDone.
	Begin(ctx context.Context, key string) (State, *x402.SettleResponse, error)
	// Complete caches a successful result.
	Complete(ctx context.Context, key string, resp *x402.SettleResponse) error
	// Fail releases the claim without caching anything.
	Fail(ctx context.Context, key string) error
	// Get reports the state without claiming. Unknown keys are StateNew.
	Get(ctx context.Context, key string) (State, *x402.SettleResponse, error)
}

// Key derives the idempotency key for a signed transaction envelope settled
// against req. The same envelope presented with different requirements gets
// a different key, so a cached success is only ever replayed to a caller
// asking for exactly what was paid.
func Key(transactionXDR string, req *x402.PaymentRequirements) string {
	h := sha256.New()
	h.Write([]byte(transactionXDR))
	if req != nil {
		for _, field := range []string{
			string(req.Scheme),
			string(req.Network),
			req.PayTo,
			req.Asset,
			req.MaxAmountRequired,
			req.Resource,
		} {
			h.Write([]byte{0})
			h.Write([]byte(field))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SettleFunc performs an actual settlement.
type SettleFunc func(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error)

// Settler wraps a SettleFunc with key deduplication.
type Settler struct {
	store        Store
	settle       SettleFunc
	pollInterval time.Duration
	log          zerolog.Logger
}

// NewSettler returns a Settler backed by store.
func NewSettler(store Store, settle SettleFunc, log zerolog.Logger) *Settler {
	return &Settler{
		store:        store,
		settle:       settle,
		pollInterval: 100 * time.Millisecond,
		log:          log,
	}
}

// Settle settles payload at most once per transaction envelope and
// requirements pair.
func (s *Settler) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if payload == nil || payload.Payload.Transaction == "" {
		return s.settle(ctx, payload, req)
	}
	key := Key(payload.Payload.Transaction, req)

	for {
		state, cached, err := s.store.Begin(ctx, key)
		if err != nil {
			return nil, err
		}

		switch state {
		case StateDone:
			s.log.Debug().Str("key", key).Msg("returning cached settlement")
			return cached, nil
		case StateNew:
			return s.run(ctx, key, payload, req)
		}

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Settler) run(ctx context.Context, key string, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	resp, err := s.settle(ctx, payload, req)
	if err != nil || resp == nil || !resp.Success {
		// Release with a fresh context so a cancelled request cannot pin the key.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ferr := s.store.Fail(relCtx, key); ferr != nil {
			s.log.Warn().Err(ferr).Str("key", key).Msg("release idempotency key")
		}
		if err == nil && resp == nil {
			err = errors.New("idempotency: settle returned no response")
		}
		return resp, err
	}

	if cerr := s.store.Complete(ctx, key, resp); cerr != nil {
		s.log.Warn().Err(cerr).Str("key", key).Msg("cache settlement result")
	}
	return resp, nil
}
