package kvcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pgbranch/internal/db"
)

// ErrEmptyKey is returned for a blank cache key
var ErrEmptyKey = errors.New("cache key is required")

// Store reads and writes JSON values in the cache table. Expired rows are
// invisible to Get and are cleaned up by the table trigger or Purge.
type Store struct {
	gw *db.Gateway
}

// New creates a cache store on top of gw
func New(gw *db.Gateway) *Store {
	return &Store{gw: gw}
}

// Get decodes the value stored under key into dest. It reports false when
// the key is absent or expired.
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	res, err := s.gw.Query(ctx,
		`SELECT value::text AS value FROM cache
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		key)
	if err != nil {
		return false, fmt.Errorf("failed to read cache key %q: %w", key, err)
	}
	if len(res.Rows) == 0 {
		return false, nil
	}

	raw, ok := res.Rows[0]["value"].(string)
	if !ok {
		return false, fmt.Errorf("cache key %q has unexpected value type %T", key, res.Rows[0]["value"])
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("failed to decode cache key %q: %w", key, err)
	}
	return true, nil
}

// Set stores value under key. A ttl of zero or less never expires.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache key %q: %w", key, err)
	}

	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UTC()
	}

	_, err = s.gw.Query(ctx,
		`INSERT INTO cache (key, value, expires_at) VALUES ($1, $2::jsonb, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, string(data), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to write cache key %q: %w", key, err)
	}
	return nil
}

// Delete removes key and reports whether it existed
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	res, err := s.gw.Query(ctx, "DELETE FROM cache WHERE key = $1", key)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache key %q: %w", key, err)
	}
	return res.RowCount > 0, nil
}

// Purge deletes every expired entry and returns how many were removed
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.gw.Query(ctx, "DELETE FROM cache WHERE expires_at IS NOT NULL AND expires_at < NOW()")
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	return res.RowCount, nil
}
