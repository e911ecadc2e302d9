// Package engine abstracts the analytical warehouse the gateway fronts.
// The only production implementation speaks the ClickHouse native protocol;
// tests substitute fakes.
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQuotaExceeded signals the query blew through its scan budget or a
	// server-side quota. Retrying without raising the budget will not help.
	ErrQuotaExceeded = errors.New("engine: scan quota exceeded")
	// ErrInvalidQuery signals the warehouse rejected the query text itself.
	ErrInvalidQuery = errors.New("engine: invalid query")
	// ErrTimeout signals the warehouse gave up on the query.
	ErrTimeout = errors.New("engine: query timed out")
	// ErrUnavailable signals a transport-level failure. The warehouse is
	// treated as eventually available, so callers may retry.
	ErrUnavailable = errors.New("engine: warehouse unavailable")
)

// Column describes one column of a result set.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Request is a single execution order. MaxScanBytes bounds how much the
// warehouse may read; MaxRows caps the returned result set. Zero leaves the
// corresponding server default in force.
type Request struct {
	SQL          string
	MaxScanBytes int64
	MaxRows      int64
	QueryID      string
}

// Result is one materialized result set. Rows are keyed by column name so
// the payload serializes directly. BytesScanned and RowsRead describe what
// the warehouse processed, not what it returned.
type Result struct {
	Columns      []Column
	Rows         []map[string]any
	BytesScanned int64
	RowsRead     int64
	Duration     time.Duration
}

// Engine executes read-only queries and answers catalog lookups.
type Engine interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Databases(ctx context.Context) ([]string, error)
	Tables(ctx context.Context, database string) ([]string, error)
	Columns(ctx context.Context, database, table string) ([]Column, error)
	Ping(ctx context.Context) error
	Close() error
}
