package history

import (
	"context"
	"sync"
)

// memoryRecorder keeps the newest maxEntries executions in a slice ordered
// oldest first. Suitable for development and tests; restarts lose history.
type memoryRecorder struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
}

// NewMemory returns an in-process recorder retaining at most maxEntries.
func NewMemory(maxEntries int) Recorder {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &memoryRecorder{max: maxEntries}
}

func (m *memoryRecorder) Record(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	if overflow := len(m.entries) - m.max; overflow > 0 {
		m.entries = append(m.entries[:0], m.entries[overflow:]...)
	}
	return nil
}

func (m *memoryRecorder) Recent(_ context.Context, owner string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if owner != "" && m.entries[i].Owner != owner {
			continue
		}
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *memoryRecorder) Close() {}
