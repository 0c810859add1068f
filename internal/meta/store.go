package meta

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pgbranch/internal/config"
)

// Record is one provisioning run
type Record struct {
	ID         string    `json:"id"`
	BranchName string    `json:"branch_name"`
	BranchID   string    `json:"branch_id,omitempty"`
	Outcome    string    `json:"outcome"` // reused, replaced, created, failed
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// OutcomeFailed marks a run that did not produce a connection string
const OutcomeFailed = "failed"

// Store defines the interface for provisioning history storage
type Store interface {
	Close() error

	// RecordProvision saves rec, filling in ID and CreatedAt when unset
	RecordProvision(ctx context.Context, rec *Record) error
	// ListProvisions returns the newest records first; limit <= 0 means all
	ListProvisions(ctx context.Context, limit int) ([]Record, error)
	ListProvisionsForBranch(ctx context.Context, branchName string) ([]Record, error)
	// PruneOlderThan deletes records older than the given age
	PruneOlderThan(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Open returns the store selected by cfg
func Open(ctx context.Context, cfg *config.HistoryConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.URL)
	}
	return nil, fmt.Errorf("invalid history driver %q, must be one of: sqlite, postgres", cfg.Driver)
}

func prepare(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
}
