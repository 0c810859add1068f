package meta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pgbranch/internal/config"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "nested", "history.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

// stores runs each test against the SQLite store and the mock
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": setupTestStore(t),
		"mock":   NewMockStore(),
	}
}

func TestRecordAndList(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

			records := []*Record{
				{BranchName: "dev", BranchID: "br-1", Outcome: "created", CreatedAt: base},
				{BranchName: "dev", BranchID: "br-1", Outcome: "reused", CreatedAt: base.Add(time.Minute)},
				{BranchName: "qa", Outcome: OutcomeFailed, Error: "create: operation op-1 failed", CreatedAt: base.Add(2 * time.Minute)},
			}
			for _, rec := range records {
				if err := store.RecordProvision(ctx, rec); err != nil {
					t.Fatalf("failed to record provision: %v", err)
				}
				if rec.ID == "" {
					t.Error("record ID should be assigned")
				}
			}

			all, err := store.ListProvisions(ctx, 0)
			if err != nil {
				t.Fatalf("failed to list provisions: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("got %d records, want 3", len(all))
			}
			if all[0].BranchName != "qa" || all[0].Error == "" {
				t.Errorf("newest record = %+v, want the failed qa run", all[0])
			}

			limited, err := store.ListProvisions(ctx, 2)
			if err != nil {
				t.Fatalf("failed to list provisions: %v", err)
			}
			if len(limited) != 2 {
				t.Errorf("got %d records, want 2", len(limited))
			}

			dev, err := store.ListProvisionsForBranch(ctx, "dev")
			if err != nil {
				t.Fatalf("failed to list branch provisions: %v", err)
			}
			if len(dev) != 2 || dev[0].Outcome != "reused" || dev[1].Outcome != "created" {
				t.Errorf("dev history = %+v", dev)
			}
		})
	}
}

func TestPruneOlderThan(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := &Record{BranchName: "old", Outcome: "created", CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
			recent := &Record{BranchName: "recent", Outcome: "created"}

			for _, rec := range []*Record{old, recent} {
				if err := store.RecordProvision(ctx, rec); err != nil {
					t.Fatalf("failed to record provision: %v", err)
				}
			}

			pruned, err := store.PruneOlderThan(ctx, 24*time.Hour)
			if err != nil {
				t.Fatalf("failed to prune: %v", err)
			}
			if pruned != 1 {
				t.Errorf("pruned = %d, want 1", pruned)
			}

			remaining, _ := store.ListProvisions(ctx, 0)
			if len(remaining) != 1 || remaining[0].BranchName != "recent" {
				t.Errorf("remaining = %+v", remaining)
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), &config.HistoryConfig{Driver: "redis"})
	if err == nil {
		t.Error("expected error for unknown driver")
	}
}
