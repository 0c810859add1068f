package meta

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps provisioning history in a local SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the history database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Create directory if it doesn't exist with restricted permissions
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS provisions (
		id TEXT PRIMARY KEY,
		branch_name TEXT NOT NULL,
		branch_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_provisions_branch_name ON provisions(branch_name);
	CREATE INDEX IF NOT EXISTS idx_provisions_created_at ON provisions(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RecordProvision(ctx context.Context, rec *Record) error {
	prepare(rec)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO provisions (id, branch_name, branch_id, outcome, error, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.ID, rec.BranchName, rec.BranchID, rec.Outcome, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record provision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListProvisions(ctx context.Context, limit int) ([]Record, error) {
	query := "SELECT id, branch_name, branch_id, outcome, error, created_at FROM provisions ORDER BY created_at DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list provisions: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *SQLiteStore) ListProvisionsForBranch(ctx context.Context, branchName string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, branch_name, branch_id, outcome, error, created_at FROM provisions WHERE branch_name = ? ORDER BY created_at DESC",
		branchName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list provisions: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *SQLiteStore) PruneOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, "DELETE FROM provisions WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune provisions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.BranchName, &r.BranchID, &r.Outcome, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provision: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}
