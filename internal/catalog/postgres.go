package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/l0p7/querygate/internal/engine"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_snapshots (
		table_identifier TEXT NOT NULL,
		version BIGINT NOT NULL,
		schema_hash TEXT NOT NULL,
		columns JSONB NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (table_identifier, version)
	)`,
}

type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres ensures the snapshot table exists and returns a store over the
// supplied pool. The pool is shared with other persistence layers and stays
// owned by the caller; Close is a no-op.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	if pool == nil {
		return nil, errors.New("catalog: postgres pool required")
	}
	for _, migration := range postgresMigrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return nil, fmt.Errorf("catalog: postgres migration: %w", err)
		}
	}
	return &postgresStore{pool: pool}, nil
}

func (p *postgresStore) Latest(ctx context.Context, table string) (Snapshot, error) {
	const q = `SELECT version, schema_hash, columns, recorded_at
		FROM schema_snapshots WHERE table_identifier = $1
		ORDER BY version DESC LIMIT 1`
	snap := Snapshot{Table: table}
	var columns []byte
	err := p.pool.QueryRow(ctx, q, table).Scan(&snap.Version, &snap.SchemaHash, &columns, &snap.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("catalog: postgres latest: %w", err)
	}
	if err := json.Unmarshal(columns, &snap.Columns); err != nil {
		return Snapshot{}, fmt.Errorf("catalog: postgres decode columns for %s: %w", table, err)
	}
	return snap, nil
}

func (p *postgresStore) Save(ctx context.Context, snap Snapshot) error {
	columns := snap.Columns
	if columns == nil {
		columns = []engine.Column{}
	}
	encoded, err := json.Marshal(columns)
	if err != nil {
		return fmt.Errorf("catalog: postgres marshal columns: %w", err)
	}
	const q = `INSERT INTO schema_snapshots (table_identifier, version, schema_hash, columns, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (table_identifier, version) DO NOTHING`
	if _, err := p.pool.Exec(ctx, q, snap.Table, snap.Version, snap.SchemaHash, encoded, snap.RecordedAt); err != nil {
		return fmt.Errorf("catalog: postgres save: %w", err)
	}
	return nil
}

func (p *postgresStore) Close() {}
