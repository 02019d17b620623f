// Package ledger records settled x402 payments. The ledger doubles as the
// replay guard: a transaction hash can be settled once.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no settlement exists for a hash.
	ErrNotFound = errors.New("ledger: settlement not found")

	// ErrDuplicate is returned when a hash has already been recorded.
	ErrDuplicate = errors.New("ledger: settlement already recorded")
)

// Record is one settled payment. Amount is in base units.
type Record struct {
	TxHash    string    `json:"txHash"`
	Network   string    `json:"network"`
	Payer     string    `json:"payer"`
	PayTo     string    `json:"payTo"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	Resource  string    `json:"resource"`
	Ledger    int32     `json:"ledger"`
	SettledAt time.Time `json:"settledAt"`
}

// Repository persists settlement records.
type Repository interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, txHash string) (*Record, error)
	Exists(ctx context.Context, txHash string) (bool, error)
	ListByPayer(ctx context.Context, payer string, limit int) ([]Record, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record)}
}

func (m *MemoryRepository) Save(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.TxHash]; ok {
		return ErrDuplicate
	}
	m.records[r.TxHash] = r
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, txHash string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryRepository) Exists(_ context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[txHash]
	return ok, nil
}

// ListByPayer returns the payer's most recent settlements first.
func (m *MemoryRepository) ListByPayer(_ context.Context, payer string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.records {
		if r.Payer == payer {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SettledAt.After(out[j].SettledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
