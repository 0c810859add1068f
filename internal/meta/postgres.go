package meta

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps provisioning history in a shared PostgreSQL database
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL history store
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE SCHEMA IF NOT EXISTS pgbranch;

	CREATE TABLE IF NOT EXISTS pgbranch.provisions (
		id UUID PRIMARY KEY,
		branch_name TEXT NOT NULL,
		branch_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_provisions_branch_name ON pgbranch.provisions(branch_name);
	CREATE INDEX IF NOT EXISTS idx_provisions_created_at ON pgbranch.provisions(created_at);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) RecordProvision(ctx context.Context, rec *Record) error {
	prepare(rec)
	_, err := s.pool.Exec(ctx,
		"INSERT INTO pgbranch.provisions (id, branch_name, branch_id, outcome, error, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		rec.ID, rec.BranchName, rec.BranchID, rec.Outcome, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record provision: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProvisions(ctx context.Context, limit int) ([]Record, error) {
	query := "SELECT id::text, branch_name, branch_id, outcome, error, created_at FROM pgbranch.provisions ORDER BY created_at DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list provisions: %w", err)
	}

	return collectRecords(rows)
}

func (s *PostgresStore) ListProvisionsForBranch(ctx context.Context, branchName string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id::text, branch_name, branch_id, outcome, error, created_at FROM pgbranch.provisions WHERE branch_name = $1 ORDER BY created_at DESC",
		branchName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list provisions: %w", err)
	}

	return collectRecords(rows)
}

func (s *PostgresStore) PruneOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM pgbranch.provisions WHERE created_at < $1",
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune provisions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.BranchName, &r.BranchID, &r.Outcome, &r.Error, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan provision: %w", err)
	}
	return records, nil
}
