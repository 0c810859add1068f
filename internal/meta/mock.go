package meta

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory implementation of Store for testing
type MockStore struct {
	mu      sync.RWMutex
	records []Record
	closed  bool
}

// NewMockStore creates a new mock store for testing
func NewMockStore() *MockStore {
	return &MockStore{}
}

func (s *MockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MockStore) RecordProvision(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepare(rec)
	s.records = append(s.records, *rec)
	return nil
}

func (s *MockStore) ListProvisions(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.newestFirst(func(Record) bool { return true })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MockStore) ListProvisionsForBranch(ctx context.Context, branchName string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.newestFirst(func(r Record) bool { return r.BranchName == branchName }), nil
}

func (s *MockStore) PruneOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := s.records[:0]
	var pruned int64
	for _, r := range s.records {
		if r.CreatedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return pruned, nil
}

func (s *MockStore) newestFirst(keep func(Record) bool) []Record {
	var result []Record
	for _, r := range s.records {
		if keep(r) {
			result = append(result, r)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}
