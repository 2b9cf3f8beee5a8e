package draft

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// IDStore persists the active draft id in a single file.
type IDStore struct {
	path string
}

// NewIDStore stores the id at path. An empty path keeps nothing on disk.
func NewIDStore(path string) *IDStore {
	return &IDStore{path: path}
}

// Load returns the stored id, or "" when none is stored.
func (s *IDStore) Load() (string, error) {
	if s == nil || s.path == "" {
		return "", nil
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read draft id: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Save replaces the stored id atomically.
func (s *IDStore) Save(id string) error {
	if s == nil || s.path == "" {
		return nil
	}
	if id == "" {
		return s.Clear()
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := renameio.WriteFile(s.path, []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("write draft id: %w", err)
	}
	return nil
}

// Clear removes the stored id.
func (s *IDStore) Clear() error {
	if s == nil || s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear draft id: %w", err)
	}
	return nil
}
