package cache

import (
	"context"
	"sync"
	"time"
)

type memoryBackend struct {
	mu           sync.RWMutex
	entries      map[Key]Entry
	tablesByKey  map[Key][]string
	keysByTable  map[string]map[Key]struct{}
	payloadBytes int64
}

// NewMemory returns a process-local backend. It backs tests and single-node
// deployments where losing the cache on restart is acceptable.
func NewMemory() Backend {
	return &memoryBackend{
		entries:     make(map[Key]Entry),
		tablesByKey: make(map[Key][]string),
		keysByTable: make(map[string]map[Key]struct{}),
	}
}

func (m *memoryBackend) Get(_ context.Context, key Key) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (m *memoryBackend) Put(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entry.Key()
	if old, ok := m.entries[key]; ok {
		m.payloadBytes -= int64(len(old.Payload))
	}
	m.payloadBytes += int64(len(entry.Payload))
	m.entries[key] = cloneEntry(entry)
	return nil
}

func (m *memoryBackend) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key)
	return nil
}

func (m *memoryBackend) IncrementHitCount(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	entry.HitCount++
	m.entries[key] = entry
	return nil
}

func (m *memoryBackend) ListExpired(_ context.Context, now time.Time, limit int) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []Key
	for key, entry := range m.entries {
		if !entry.Expired(now) {
			continue
		}
		keys = append(keys, key)
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, nil
}

func (m *memoryBackend) Purge(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := int64(len(m.entries))
	m.entries = make(map[Key]Entry)
	m.tablesByKey = make(map[Key][]string)
	m.keysByTable = make(map[string]map[Key]struct{})
	m.payloadBytes = 0
	return removed, nil
}

func (m *memoryBackend) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		EntryCount:   int64(len(m.entries)),
		PayloadBytes: m.payloadBytes,
	}
	for _, entry := range m.entries {
		if stats.OldestCreated.IsZero() || entry.CreatedAt.Before(stats.OldestCreated) {
			stats.OldestCreated = entry.CreatedAt
		}
	}
	return stats, nil
}

func (m *memoryBackend) Close() {}

func (m *memoryBackend) Record(_ context.Context, key Key, tables []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropEdgesLocked(key)
	if len(tables) == 0 {
		return nil
	}
	recorded := dedupeTables(tables)
	m.tablesByKey[key] = recorded
	for _, table := range recorded {
		keys, ok := m.keysByTable[table]
		if !ok {
			keys = make(map[Key]struct{})
			m.keysByTable[table] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (m *memoryBackend) InvalidateByTable(_ context.Context, table string) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dependents := m.keysByTable[table]
	if len(dependents) == 0 {
		return nil, nil
	}
	keys := make([]Key, 0, len(dependents))
	for key := range dependents {
		keys = append(keys, key)
	}
	sortKeys(keys)
	for _, key := range keys {
		m.deleteLocked(key)
		m.dropEdgesLocked(key)
	}
	return keys, nil
}

func (m *memoryBackend) Drop(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropEdgesLocked(key)
	return nil
}

func (m *memoryBackend) deleteLocked(key Key) {
	if old, ok := m.entries[key]; ok {
		m.payloadBytes -= int64(len(old.Payload))
		delete(m.entries, key)
	}
}

func (m *memoryBackend) dropEdgesLocked(key Key) {
	for _, table := range m.tablesByKey[key] {
		if keys, ok := m.keysByTable[table]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(m.keysByTable, table)
			}
		}
	}
	delete(m.tablesByKey, key)
}

func cloneEntry(in Entry) Entry {
	out := in
	if len(in.Payload) > 0 {
		out.Payload = append([]byte(nil), in.Payload...)
	}
	return out
}
