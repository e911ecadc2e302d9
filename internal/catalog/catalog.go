// Package catalog tracks versioned schema snapshots per table so a schema
// change can invalidate dependent cache entries exactly once.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/l0p7/querygate/internal/engine"
)

// ErrNotFound signals that no snapshot exists for the requested table.
var ErrNotFound = errors.New("catalog: snapshot not found")

// Snapshot is one recorded shape of a table. Version starts at 1 and bumps
// whenever the reported column set differs from the latest snapshot.
type Snapshot struct {
	Table      string          `json:"table"`
	Version    int64           `json:"version"`
	SchemaHash string          `json:"schemaHash"`
	Columns    []engine.Column `json:"columns"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// Store persists snapshots. Save records a new version; Latest returns the
// highest version for the table or ErrNotFound.
type Store interface {
	Latest(ctx context.Context, table string) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close()
}

// Tracker compares reported schemas against the latest snapshot and decides
// when a version bump is due.
type Tracker struct {
	store Store
}

// NewTracker wraps a snapshot store with the change-detection policy.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Track records the reported column set for table. It returns the governing
// snapshot and whether this report changed it. Re-reporting an identical
// schema is a no-op, so one real change yields exactly one version bump no
// matter how often it is reported.
func (t *Tracker) Track(ctx context.Context, table string, columns []engine.Column) (Snapshot, bool, error) {
	hash := HashColumns(columns)
	latest, err := t.store.Latest(ctx, table)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Snapshot{}, false, err
	}
	if err == nil && latest.SchemaHash == hash {
		return latest, false, nil
	}

	snap := Snapshot{
		Table:      table,
		Version:    latest.Version + 1,
		SchemaHash: hash,
		Columns:    columns,
		RecordedAt: time.Now().UTC(),
	}
	if err := t.store.Save(ctx, snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Latest exposes the governing snapshot for table.
func (t *Tracker) Latest(ctx context.Context, table string) (Snapshot, error) {
	return t.store.Latest(ctx, table)
}

// HashColumns fingerprints a column set. Order matters: reordering columns
// is a schema change.
func HashColumns(columns []engine.Column) string {
	h := sha256.New()
	for _, col := range columns {
		h.Write([]byte(col.Name))
		h.Write([]byte{0})
		h.Write([]byte(col.Type))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
