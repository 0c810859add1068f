package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockBranch takes an exclusive file lock for one branch name so two local
// runs cannot interleave a destroy and a create on the same branch. Caller
// must defer Unlock.
func lockBranch(lockDir, name string) (*flock.Flock, error) {
	if err := os.MkdirAll(lockDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lockPath := filepath.Join(lockDir, fmt.Sprintf("branch-%s.lock", url.PathEscape(name)))
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock branch %s: %w", name, err)
	}
	if !locked {
		return nil, fmt.Errorf("branch %s is being provisioned by another process", name)
	}
	return fl, nil
}
