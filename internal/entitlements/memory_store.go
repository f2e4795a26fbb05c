package entitlements

import (
	"context"
	"sort"
	"sync"
	"time"
)

type attendanceKey struct {
	sessionID, userID string
}

// MemoryStore is an in-memory attendance store for demo/development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[attendanceKey]*Attendance
}

// NewMemoryStore creates a new in-memory attendance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[attendanceKey]*Attendance)}
}

func (m *MemoryStore) Upsert(_ context.Context, sessionID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := attendanceKey{sessionID, userID}
	if _, ok := m.rows[k]; ok {
		return false, nil
	}
	m.rows[k] = &Attendance{SessionID: sessionID, UserID: userID, CreatedAt: time.Now().UTC()}
	return true, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Attendance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Attendance
	for k, a := range m.rows {
		if k.userID == userID {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SessionID < result[j].SessionID })
	return result, nil
}

// Len returns the number of attendance rows.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// MemoryBundles is an in-memory BundleResolver.
type MemoryBundles struct {
	mu      sync.RWMutex
	members map[string][]string
}

// NewMemoryBundles creates an empty resolver.
func NewMemoryBundles() *MemoryBundles {
	return &MemoryBundles{members: make(map[string][]string)}
}

// Set replaces the sessions of a challenge.
func (b *MemoryBundles) Set(challengeID string, sessionIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[challengeID] = append([]string(nil), sessionIDs...)
}

func (b *MemoryBundles) Sessions(_ context.Context, challengeID string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	members, ok := b.members[challengeID]
	if !ok {
		return nil, ErrUnknownBundle
	}
	return append([]string(nil), members...), nil
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ BundleResolver = (*MemoryBundles)(nil)
)
