package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// IdentityStore persists the agent identity as a JSON file.
// It assumes a single writer.
type IdentityStore struct {
	path string
}

// NewIdentityStore creates a store backed by the file at path.
func NewIdentityStore(path string) *IdentityStore {
	return &IdentityStore{path: path}
}

// Path returns the backing file path.
func (s *IdentityStore) Path() string {
	return s.path
}

// Load reads the identity from disk. A missing, unreadable or malformed
// file yields the zero Identity.
func (s *IdentityStore) Load() Identity {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Identity{}
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}
	}
	return id
}

// Save atomically replaces the identity file. The data is written to a
// temporary file in the same directory and renamed over the target, so
// the previous contents survive a crash at any point.
func (s *IdentityStore) Save(id Identity) (err error) {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Chmod(0600); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
