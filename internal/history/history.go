// Package history records warehouse executions for the audit surface.
// Cache hits are answered without touching the warehouse and are therefore
// not recorded; one entry exists per dispatch, successful or not.
package history

import (
	"context"
	"time"
)

// Entry is one recorded execution.
type Entry struct {
	QueryID      string    `json:"queryId"`
	Owner        string    `json:"owner,omitempty"`
	QueryText    string    `json:"queryText"`
	CacheStatus  string    `json:"cacheStatus"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	BytesScanned int64     `json:"bytesScanned"`
	RowsReturned int64     `json:"rowsReturned"`
	DurationMS   int64     `json:"durationMs"`
	Tables       []string  `json:"tables,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Recorder persists execution history. Recording is best effort: the
// gateway logs failures and keeps serving, so an implementation must never
// fail a request beyond its own I/O errors.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	// Recent returns up to limit entries, newest first. An empty owner
	// spans all identities.
	Recent(ctx context.Context, owner string, limit int) ([]Entry, error)
	Close()
}
