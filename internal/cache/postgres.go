package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS query_cache (
		fingerprint TEXT NOT NULL,
		owner_identity TEXT NOT NULL DEFAULT '',
		query_text TEXT NOT NULL,
		result_payload JSONB NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		hit_count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (fingerprint, owner_identity)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_query_cache_expires_at ON query_cache (expires_at)`,
	`CREATE TABLE IF NOT EXISTS table_dependencies (
		table_identifier TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		owner_identity TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (table_identifier, fingerprint, owner_identity)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_table_dependencies_entry ON table_dependencies (fingerprint, owner_identity)`,
}

type postgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgres ensures the cache tables exist and returns a backend over the
// supplied pool. The pool is shared with other persistence layers and stays
// owned by the caller; Close is a no-op.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (Backend, error) {
	if pool == nil {
		return nil, errors.New("cache: postgres pool required")
	}
	for _, migration := range postgresMigrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return nil, fmt.Errorf("cache: postgres migration: %w", err)
		}
	}
	return &postgresBackend{pool: pool}, nil
}

func (p *postgresBackend) Get(ctx context.Context, key Key) (Entry, error) {
	const q = `SELECT query_text, result_payload, metadata, created_at, expires_at, hit_count
		FROM query_cache WHERE fingerprint = $1 AND owner_identity = $2`
	var (
		entry    Entry
		payload  []byte
		metadata []byte
	)
	entry.Fingerprint = key.Fingerprint
	entry.Owner = key.Owner
	err := p.pool.QueryRow(ctx, q, key.Fingerprint, key.Owner).Scan(
		&entry.QueryText, &payload, &metadata, &entry.CreatedAt, &entry.ExpiresAt, &entry.HitCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("cache: postgres get: %w", err)
	}
	entry.Payload = json.RawMessage(payload)
	if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
		return Entry{}, fmt.Errorf("cache: postgres decode %s: %w", key.Fingerprint, ErrCorruptEntry)
	}
	return entry, nil
}

func (p *postgresBackend) Put(ctx context.Context, entry Entry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("cache: postgres marshal metadata: %w", err)
	}
	const q = `INSERT INTO query_cache
		(fingerprint, owner_identity, query_text, result_payload, metadata, created_at, expires_at, hit_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
		ON CONFLICT (fingerprint, owner_identity) DO UPDATE SET
			query_text = EXCLUDED.query_text,
			result_payload = EXCLUDED.result_payload,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			hit_count = 0`
	_, err = p.pool.Exec(ctx, q,
		entry.Fingerprint, entry.Owner, entry.QueryText, []byte(entry.Payload), metadata,
		entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("cache: postgres put: %w", err)
	}
	return nil
}

func (p *postgresBackend) Delete(ctx context.Context, key Key) error {
	const q = `DELETE FROM query_cache WHERE fingerprint = $1 AND owner_identity = $2`
	if _, err := p.pool.Exec(ctx, q, key.Fingerprint, key.Owner); err != nil {
		return fmt.Errorf("cache: postgres delete: %w", err)
	}
	return nil
}

func (p *postgresBackend) IncrementHitCount(ctx context.Context, key Key) error {
	const q = `UPDATE query_cache SET hit_count = hit_count + 1
		WHERE fingerprint = $1 AND owner_identity = $2`
	tag, err := p.pool.Exec(ctx, q, key.Fingerprint, key.Owner)
	if err != nil {
		return fmt.Errorf("cache: postgres hit count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgresBackend) ListExpired(ctx context.Context, now time.Time, limit int) ([]Key, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT fingerprint, owner_identity FROM query_cache
		WHERE expires_at <= $1 ORDER BY expires_at ASC LIMIT $2`
	rows, err := p.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("cache: postgres list expired: %w", err)
	}
	defer rows.Close()
	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Fingerprint, &key.Owner); err != nil {
			return nil, fmt.Errorf("cache: postgres list expired scan: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: postgres list expired rows: %w", err)
	}
	return keys, nil
}

func (p *postgresBackend) Purge(ctx context.Context) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: postgres purge begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM table_dependencies`); err != nil {
		return 0, fmt.Errorf("cache: postgres purge edges: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM query_cache`)
	if err != nil {
		return 0, fmt.Errorf("cache: postgres purge entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("cache: postgres purge commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *postgresBackend) Stats(ctx context.Context) (Stats, error) {
	const q = `SELECT COUNT(*), COALESCE(SUM(pg_column_size(result_payload)), 0)::BIGINT, MIN(created_at)
		FROM query_cache`
	var (
		stats  Stats
		oldest *time.Time
	)
	if err := p.pool.QueryRow(ctx, q).Scan(&stats.EntryCount, &stats.PayloadBytes, &oldest); err != nil {
		return Stats{}, fmt.Errorf("cache: postgres stats: %w", err)
	}
	if oldest != nil {
		stats.OldestCreated = oldest.UTC()
	}
	return stats, nil
}

func (p *postgresBackend) Close() {}

func (p *postgresBackend) Record(ctx context.Context, key Key, tables []string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cache: postgres record begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const del = `DELETE FROM table_dependencies WHERE fingerprint = $1 AND owner_identity = $2`
	if _, err := tx.Exec(ctx, del, key.Fingerprint, key.Owner); err != nil {
		return fmt.Errorf("cache: postgres record clear: %w", err)
	}
	recorded := dedupeTables(tables)
	if len(recorded) > 0 {
		const ins = `INSERT INTO table_dependencies (table_identifier, fingerprint, owner_identity)
			SELECT unnest($1::TEXT[]), $2, $3
			ON CONFLICT DO NOTHING`
		if _, err := tx.Exec(ctx, ins, recorded, key.Fingerprint, key.Owner); err != nil {
			return fmt.Errorf("cache: postgres record insert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cache: postgres record commit: %w", err)
	}
	return nil
}

func (p *postgresBackend) InvalidateByTable(ctx context.Context, table string) ([]Key, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: postgres invalidate begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT fingerprint, owner_identity FROM table_dependencies WHERE table_identifier = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("cache: postgres invalidate select: %w", err)
	}
	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Fingerprint, &key.Owner); err != nil {
			rows.Close()
			return nil, fmt.Errorf("cache: postgres invalidate scan: %w", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: postgres invalidate rows: %w", err)
	}
	if len(keys) == 0 {
		return nil, tx.Commit(ctx)
	}
	sortKeys(keys)

	batch := &pgx.Batch{}
	for _, key := range keys {
		batch.Queue(`DELETE FROM query_cache WHERE fingerprint = $1 AND owner_identity = $2`,
			key.Fingerprint, key.Owner)
		batch.Queue(`DELETE FROM table_dependencies WHERE fingerprint = $1 AND owner_identity = $2`,
			key.Fingerprint, key.Owner)
	}
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return nil, fmt.Errorf("cache: postgres invalidate delete: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("cache: postgres invalidate batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cache: postgres invalidate commit: %w", err)
	}
	return keys, nil
}

func (p *postgresBackend) Drop(ctx context.Context, key Key) error {
	const q = `DELETE FROM table_dependencies WHERE fingerprint = $1 AND owner_identity = $2`
	if _, err := p.pool.Exec(ctx, q, key.Fingerprint, key.Owner); err != nil {
		return fmt.Errorf("cache: postgres drop: %w", err)
	}
	return nil
}
