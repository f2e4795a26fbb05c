package transactions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/sessionpay/internal/dbutil"
	"github.com/mbd888/sessionpay/internal/pagination"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Transaction
	byKey map[BusinessKey]string
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Transaction),
		byKey: make(map[BusinessKey]string),
	}
}

func (m *MemoryStore) Insert(_ context.Context, tx *Transaction) (dbutil.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[tx.Key()]; ok {
		return dbutil.AlreadyExists, nil
	}
	if _, ok := m.byID[tx.ID]; ok {
		return dbutil.AlreadyExists, nil
	}
	cp := *tx
	m.byID[tx.ID] = &cp
	m.byKey[tx.Key()] = tx.ID
	return dbutil.Inserted, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetByBusinessKey(_ context.Context, key BusinessKey) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, prev, next Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[id]
	if !ok || tx.Status != prev {
		return false, nil
	}
	tx.Status = next
	tx.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ListByBuyer(_ context.Context, buyerID string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.byID {
		if tx.BuyerID == buyerID && after.Admits(tx.CreatedAt, tx.ID) {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.NewestFirst(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Len returns the number of stored transactions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

var _ Store = (*MemoryStore)(nil)
