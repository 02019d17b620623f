package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

type entry struct {
	state   State
	resp    *x402.SettleResponse
	expires time.Time
}

// MemoryStore is a single-process Store. In-flight claims expire after
// inFlightTTL so a crashed settlement does not block the key forever.
type MemoryStore struct {
	mu          sync.Mutex
	entries     map[string]*entry
	ttl         time.Duration
	inFlightTTL time.Duration
	now         func() time.Time
}

// NewMemoryStore creates a MemoryStore. Zero durations fall back to
// DefaultTTL and two minutes respectively.
func NewMemoryStore(ttl, inFlightTTL time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if inFlightTTL <= 0 {
		inFlightTTL = 2 * time.Minute
	}
	return &MemoryStore{
		entries:     make(map[string]*entry),
		ttl:         ttl,
		inFlightTTL: inFlightTTL,
		now:         time.Now,
	}
}

func (m *MemoryStore) lookup(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryStore) Begin(_ context.Context, key string) (State, *x402.SettleResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.lookup(key); e != nil {
		return e.state, e.resp, nil
	}
	m.entries[key] = &entry{state: StateInFlight, expires: m.now().Add(m.inFlightTTL)}
	return StateNew, nil, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, resp *x402.SettleResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &entry{state: StateDone, resp: resp, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (State, *x402.SettleResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.lookup(key); e != nil {
		return e.state, e.resp, nil
	}
	return StateNew, nil, nil
}

// Len reports the number of live keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if m.lookup(k) != nil {
			n++
		}
	}
	return n
}
