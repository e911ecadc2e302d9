package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS query_history (
		query_id TEXT PRIMARY KEY,
		owner_identity TEXT NOT NULL DEFAULT '',
		query_text TEXT NOT NULL,
		cache_status TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		bytes_scanned BIGINT NOT NULL DEFAULT 0,
		rows_returned BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		tables TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_query_history_created_at ON query_history (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_query_history_owner ON query_history (owner_identity, created_at DESC)`,
}

type postgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgres ensures the history table exists and returns a recorder over
// the supplied pool. The pool is shared with other persistence layers and
// stays owned by the caller; Close is a no-op.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (Recorder, error) {
	if pool == nil {
		return nil, errors.New("history: postgres pool required")
	}
	for _, migration := range postgresMigrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return nil, fmt.Errorf("history: postgres migration: %w", err)
		}
	}
	return &postgresRecorder{pool: pool}, nil
}

func (p *postgresRecorder) Record(ctx context.Context, entry Entry) error {
	const q = `INSERT INTO query_history
		(query_id, owner_identity, query_text, cache_status, success, error,
		 bytes_scanned, rows_returned, duration_ms, tables, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (query_id) DO NOTHING`
	tables := entry.Tables
	if tables == nil {
		tables = []string{}
	}
	_, err := p.pool.Exec(ctx, q,
		entry.QueryID, entry.Owner, entry.QueryText, entry.CacheStatus, entry.Success, entry.Error,
		entry.BytesScanned, entry.RowsReturned, entry.DurationMS, tables, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("history: postgres record: %w", err)
	}
	return nil
}

func (p *postgresRecorder) Recent(ctx context.Context, owner string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT query_id, owner_identity, query_text, cache_status, success, error,
		bytes_scanned, rows_returned, duration_ms, tables, created_at
		FROM query_history
		WHERE ($1 = '' OR owner_identity = $1)
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := p.pool.Query(ctx, q, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("history: postgres recent: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(
			&entry.QueryID, &entry.Owner, &entry.QueryText, &entry.CacheStatus, &entry.Success, &entry.Error,
			&entry.BytesScanned, &entry.RowsReturned, &entry.DurationMS, &entry.Tables, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("history: postgres scan: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: postgres recent: %w", err)
	}
	return out, nil
}

func (p *postgresRecorder) Close() {}
