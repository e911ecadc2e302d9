// Package cache defines the durable storage contracts for cached query
// results and their table dependency edges, plus the memory, Valkey, and
// Postgres backends implementing them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound signals that no entry exists for the requested key.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrCorruptEntry signals that a stored entry could not be decoded.
	// Callers treat it as a miss and delete the entry opportunistically.
	ErrCorruptEntry = errors.New("cache: corrupt entry")
)

// IsUnavailable reports whether err represents a store transport failure
// rather than a definitive lookup outcome. Unavailability is recoverable:
// the manager degrades to direct computation instead of failing the request.
func IsUnavailable(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCorruptEntry)
}

// Key identifies a cache entry. Owner is the opaque identity the entry is
// partitioned by; the empty string means globally shared.
type Key struct {
	Fingerprint string `json:"f"`
	Owner       string `json:"o,omitempty"`
}

// Metadata carries the execution statistics recorded alongside a result.
type Metadata struct {
	BytesScanned int64 `json:"bytesScanned"`
	RowsRead     int64 `json:"rowsRead"`
	DurationMS   int64 `json:"durationMs"`
}

// Entry is one cached query result. Payload is the serialized result set
// (rows plus column schema) and stays opaque to the storage layer. A refresh
// replaces the whole entry; nothing but HitCount is ever mutated in place.
type Entry struct {
	Fingerprint string          `json:"fingerprint"`
	Owner       string          `json:"owner,omitempty"`
	QueryText   string          `json:"queryText"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    Metadata        `json:"metadata"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	HitCount    int64           `json:"hitCount"`
}

// Key returns the storage key for the entry.
func (e Entry) Key() Key {
	return Key{Fingerprint: e.Fingerprint, Owner: e.Owner}
}

// Expired reports whether the entry is stale at the given instant.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Stats is the aggregate view a backend can answer cheaply. PayloadBytes is
// an estimate, not an invoice.
type Stats struct {
	EntryCount    int64
	PayloadBytes  int64
	OldestCreated time.Time
}

// Store is durable CRUD over cache entries. Get returns expired entries as
// is; staleness is checked by the manager so expiry policy lives in one
// place. Put replaces any existing entry for the same key wholesale,
// including its hit counter. Delete of an absent key is not an error.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key Key) error
	IncrementHitCount(ctx context.Context, key Key) error
	// ListExpired returns up to limit keys whose entries expired at or
	// before now. Callers delete what they receive and call again, so the
	// backlog drains without a single unbounded read.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Key, error)
	// Purge removes every entry and dependency edge, returning the number
	// of entries removed.
	Purge(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (Stats, error)
	Close()
}

// DependencyIndex is the many-to-many mapping from table identifiers to the
// entries whose results depend on them.
type DependencyIndex interface {
	// Record atomically replaces the edge set for key. A recomputed query
	// can legitimately reference fewer tables, so edges are never merged.
	Record(ctx context.Context, key Key, tables []string) error
	// InvalidateByTable deletes every entry depending on table together
	// with all edges of those entries, returning the removed keys.
	InvalidateByTable(ctx context.Context, table string) ([]Key, error)
	// Drop removes the edges for key when its entry is deleted for any
	// other reason.
	Drop(ctx context.Context, key Key) error
}

// Backend couples a Store with its DependencyIndex over one substrate so
// entry and edge deletion stay consistent.
type Backend interface {
	Store
	DependencyIndex
}

func marshalKey(key Key) string {
	raw, _ := json.Marshal(key)
	return string(raw)
}

func unmarshalKey(raw string) (Key, error) {
	var key Key
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return Key{}, err
	}
	return key, nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Fingerprint != keys[j].Fingerprint {
			return keys[i].Fingerprint < keys[j].Fingerprint
		}
		return keys[i].Owner < keys[j].Owner
	})
}

func dedupeTables(tables []string) []string {
	seen := make(map[string]struct{}, len(tables))
	out := make([]string, 0, len(tables))
	for _, table := range tables {
		if table == "" {
			continue
		}
		if _, ok := seen[table]; ok {
			continue
		}
		seen[table] = struct{}{}
		out = append(out, table)
	}
	sort.Strings(out)
	return out
}
