package catalog

import (
	"context"
	"sync"
)

// memoryStore keeps only the latest snapshot per table, which is all the
// Latest contract requires. Suitable for development and tests.
type memoryStore struct {
	mu      sync.RWMutex
	byTable map[string]Snapshot
}

// NewMemory returns an in-process snapshot store.
func NewMemory() Store {
	return &memoryStore{byTable: make(map[string]Snapshot)}
}

func (m *memoryStore) Latest(_ context.Context, table string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.byTable[table]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (m *memoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTable[snap.Table] = snap
	return nil
}

func (m *memoryStore) Close() {}
