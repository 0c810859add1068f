package db

import (
	"context"
	"fmt"
)

// SchemaStatus describes what the checker found. Connection problems are
// reported here rather than returned as errors.
type SchemaStatus struct {
	Connected      bool     `json:"connected"`
	SchemaComplete bool     `json:"schema_complete"`
	MissingTables  []string `json:"missing_tables,omitempty"`
	Version        string   `json:"version,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Checker inspects a database for the bootstrap schema
type Checker struct {
	open Opener
}

// NewChecker creates a checker. A nil opener uses DefaultOpener.
func NewChecker(open Opener) *Checker {
	if open == nil {
		open = DefaultOpener
	}
	return &Checker{open: open}
}

// Check probes connectivity, lists which expected tables exist, and reads
// the latest migration version when the ledger is present
func (c *Checker) Check(ctx context.Context, connString string) *SchemaStatus {
	status := &SchemaStatus{}

	pool, err := c.open(ctx, connString)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer conn.Release()

	if _, err := conn.Query(ctx, "SELECT 1"); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Connected = true

	res, err := conn.Query(ctx,
		`SELECT table_name::text AS table_name
		 FROM information_schema.tables
		 WHERE table_schema = current_schema() AND table_name = ANY($1)`,
		ExpectedTables)
	if err != nil {
		status.Error = fmt.Sprintf("failed to list tables: %v", err)
		return status
	}

	present := make(map[string]bool)
	for _, row := range res.Rows {
		if name, ok := row["table_name"].(string); ok {
			present[name] = true
		}
	}
	for _, table := range ExpectedTables {
		if !present[table] {
			status.MissingTables = append(status.MissingTables, table)
		}
	}
	status.SchemaComplete = len(status.MissingTables) == 0

	if present[MigrationsTable] {
		res, err := conn.Query(ctx, "SELECT version FROM migrations ORDER BY applied_at DESC LIMIT 1")
		if err != nil {
			status.Error = fmt.Sprintf("failed to read schema version: %v", err)
			return status
		}
		if len(res.Rows) > 0 {
			if v, ok := res.Rows[0]["version"].(string); ok {
				status.Version = v
			}
		}
	}

	return status
}
