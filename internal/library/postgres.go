package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	identifier TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS assets_identifier_idx ON assets (identifier);
CREATE TABLE IF NOT EXISTS asset_resources (
	asset_id TEXT NOT NULL REFERENCES assets (id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size BIGINT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (asset_id, type)
);`

// Compile-time check that PostgresCatalog implements Catalog.
var _ Catalog = (*PostgresCatalog)(nil)

// PostgresCatalog stores asset records in Postgres.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// PostgresConfig configures the catalog connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// NewPostgresCatalog opens a connection pool and verifies it.
func NewPostgresCatalog(ctx context.Context, cfg PostgresConfig) (*PostgresCatalog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresCatalog{pool: pool}, nil
}

// Migrate creates the catalog tables if they do not exist.
func (c *PostgresCatalog) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply catalog schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *PostgresCatalog) Close() {
	c.pool.Close()
}

// Insert records the asset and its resources in one transaction.
func (c *PostgresCatalog) Insert(ctx context.Context, asset *Asset) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin asset transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	_, err = tx.Exec(ctx,
		`INSERT INTO assets (id, identifier, created_at) VALUES ($1, $2, $3)`,
		asset.ID, asset.Identifier, asset.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateAsset
		}
		return fmt.Errorf("insert asset: %w", err)
	}

	batch := &pgx.Batch{}
	for _, r := range asset.Resources {
		batch.Queue(`INSERT INTO asset_resources (asset_id, type, storage_key, content_type, size, url)
VALUES ($1, $2, $3, $4, $5, $6)`,
			asset.ID, string(r.Type), r.Key, r.ContentType, r.Size, r.URL)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert asset resources: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit asset: %w", err)
	}
	return nil
}

// Get loads an asset and its resources.
func (c *PostgresCatalog) Get(ctx context.Context, id string) (*Asset, error) {
	asset := &Asset{ID: id}
	err := c.pool.QueryRow(ctx,
		`SELECT identifier, created_at FROM assets WHERE id = $1`, id,
	).Scan(&asset.Identifier, &asset.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load asset: %w", err)
	}

	rows, err := c.pool.Query(ctx,
		`SELECT type, storage_key, content_type, size, url FROM asset_resources WHERE asset_id = $1 ORDER BY type`, id)
	if err != nil {
		return nil, fmt.Errorf("load asset resources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r StoredResource
		var typ string
		if err := rows.Scan(&typ, &r.Key, &r.ContentType, &r.Size, &r.URL); err != nil {
			return nil, fmt.Errorf("scan asset resource: %w", err)
		}
		r.Type = ResourceType(typ)
		asset.Resources = append(asset.Resources, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate asset resources: %w", err)
	}
	return asset, nil
}

// Count returns the number of assets.
func (c *PostgresCatalog) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.pool.QueryRow(ctx, `SELECT COUNT(*) FROM assets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count assets: %w", err)
	}
	return n, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	// Rollback after Commit returns ErrTxClosed, which is expected.
	_ = tx.Rollback(context.WithoutCancel(ctx))
}
