package eventledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/sessionpay/internal/dbutil"
)

// MemoryStore is an in-memory event store for demo/development mode.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func key(provider, eventID string) string { return provider + "\x00" + eventID }

func (m *MemoryStore) Insert(_ context.Context, rec *Record) (dbutil.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(rec.Provider, rec.EventID)
	if _, ok := m.records[k]; ok {
		return dbutil.AlreadyExists, nil
	}
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	cp.Outcome = ""
	cp.CompletedAt = nil
	m.records[k] = &cp
	return dbutil.Inserted, nil
}

func (m *MemoryStore) Get(_ context.Context, provider, eventID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key(provider, eventID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

func (m *MemoryStore) MarkCompleted(_ context.Context, provider, eventID, outcome string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key(provider, eventID)]
	if !ok {
		return ErrNotFound
	}
	r.Outcome = outcome
	r.CompletedAt = &at
	return nil
}

func (m *MemoryStore) ListStranded(_ context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, r := range m.records {
		if r.CompletedAt == nil && r.ReceivedAt.Before(cutoff) {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOpen(_ context.Context, provider, paymentReference string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, r := range m.records {
		if r.CompletedAt == nil && r.Provider == provider && r.PaymentReference == paymentReference {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}

// Len returns the number of admitted events.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
