package receipts

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/sessionpay/internal/dbutil"
	"github.com/mbd888/sessionpay/internal/pagination"
)

// MemoryStore is an in-memory receipt store for demo/development mode.
type MemoryStore struct {
	receipts map[string]*Receipt
	byTx     map[string]string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]*Receipt),
		byTx:     make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) (dbutil.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTx[r.TransactionID]; ok {
		return dbutil.AlreadyExists, nil
	}
	cp := *r
	m.receipts[r.ID] = &cp
	m.byTx[r.TransactionID] = r.ID
	return dbutil.Inserted, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByTransaction(_ context.Context, transactionID string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTx[transactionID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *m.receipts[id]
	return &cp, nil
}

func (m *MemoryStore) ListByBuyer(_ context.Context, buyerID string, limit int, after *pagination.Cursor) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Receipt
	for _, r := range m.receipts {
		if r.BuyerID == buyerID && after.Admits(r.CreatedAt, r.ID) {
			cp := *r
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

var _ Store = (*MemoryStore)(nil)
