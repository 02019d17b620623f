package escrow

import (
	"context"
	"sync"
)

type pair struct{ client, server string }

// MemoryStore keeps escrow state in process memory.
type MemoryStore struct {
	txMu          sync.Mutex
	mu            sync.RWMutex
	escrowCounter uint64
	paymentCount  uint64
	escrows       map[uint64]Escrow
	payments      map[uint64]Payment
	pairs         map[pair]uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[uint64]Escrow),
		payments: make(map[uint64]Payment),
		pairs:    make(map[pair]uint64),
	}
}

func (m *MemoryStore) NextEscrowID(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.escrowCounter
	m.escrowCounter++
	return id, nil
}

func (m *MemoryStore) NextPaymentID(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.paymentCount
	m.paymentCount++
	return id, nil
}

func (m *MemoryStore) ClaimPair(_ context.Context, client, server string, id uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pair{client, server}
	if _, ok := m.pairs[k]; ok {
		return false, nil
	}
	m.pairs[k] = id
	return true, nil
}

func (m *MemoryStore) FindPair(_ context.Context, client, server string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.pairs[pair{client, server}]
	return id, ok, nil
}

func (m *MemoryStore) ReleasePair(_ context.Context, client, server string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pairs, pair{client, server})
	return nil
}

func (m *MemoryStore) SaveEscrow(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[e.ID] = *e
	return nil
}

func (m *MemoryStore) GetEscrow(_ context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return &e, nil
}

func (m *MemoryStore) DeleteEscrow(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.escrows, id)
	return nil
}

func (m *MemoryStore) SavePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id uint64) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

// Atomic serialises fn against other Atomic calls on this store. fn writes
// straight through, so it must do its checks before its first write.
func (m *MemoryStore) Atomic(_ context.Context, fn func(tx Txn) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}
