package db

import (
	"context"
	"fmt"
	"log"
)

// CurrentVersion is the schema version recorded by the bootstrap script
const CurrentVersion = "0.1.0"

// Table names the bootstrap script creates
const (
	CacheTable      = "cache"
	MigrationsTable = "migrations"
)

// ExpectedTables are the tables a complete schema contains
var ExpectedTables = []string{CacheTable, MigrationsTable}

// migrationSQL is safe to run any number of times
const migrationSQL = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS cache (
	key TEXT PRIMARY KEY,
	value JSONB NOT NULL,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache (expires_at) WHERE expires_at IS NOT NULL;

CREATE OR REPLACE FUNCTION purge_expired_cache() RETURNS TRIGGER AS $$
BEGIN
	DELETE FROM cache WHERE expires_at IS NOT NULL AND expires_at < NOW();
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_purge_expired_cache ON cache;
CREATE TRIGGER trg_purge_expired_cache
	AFTER INSERT OR UPDATE ON cache
	FOR EACH STATEMENT EXECUTE FUNCTION purge_expired_cache();

CREATE TABLE IF NOT EXISTS migrations (
	id SERIAL PRIMARY KEY,
	version TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_migrations_version ON migrations (version);

INSERT INTO migrations (version) VALUES ('0.1.0') ON CONFLICT (version) DO NOTHING;
`

// Opener opens a pool for a connection string
type Opener func(ctx context.Context, connString string) (Pool, error)

// Migrator applies the bootstrap schema
type Migrator struct {
	open Opener
}

// NewMigrator creates a migrator. A nil opener uses DefaultOpener.
func NewMigrator(open Opener) *Migrator {
	if open == nil {
		open = DefaultOpener
	}
	return &Migrator{open: open}
}

// Apply runs the bootstrap script on a freshly acquired pooled connection
func (m *Migrator) Apply(ctx context.Context, connString string) error {
	pool, err := m.open(ctx, connString)
	if err != nil {
		return &PoolError{Op: "open", Err: err}
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return &PoolError{Op: "acquire", Err: err}
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Printf("schema migrated to version %s", CurrentVersion)
	return nil
}
