// Package snapshot persists subsystem state as whole-file JSON snapshots.
//
// Each subsystem owns one file under the data directory. Writes marshal the
// full state, write it to a temp file in the same directory, and rename it
// into place so readers never observe a partial file.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound indicates a snapshot file does not exist yet.
var ErrNotFound = errors.New("snapshot not found")

// Store writes and reads JSON snapshot files under a data directory.
type Store struct {
	dir string
}

// Open prepares a snapshot store rooted at the provided directory.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	cleanDir := filepath.Clean(dir)
	if err := os.MkdirAll(cleanDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &Store{dir: cleanDir}, nil
}

// Save atomically rewrites the named snapshot file.
func (s *Store) Save(ctx context.Context, name string, state any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("snapshot store is not configured")
	}
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot subdirectory: %w", err)
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %q: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}

// Load reads the named snapshot file into target.
func (s *Store) Load(ctx context.Context, name string, target any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("snapshot store is not configured")
	}
	path, err := s.resolve(name)
	if err != nil {
		return err
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read snapshot %q: %w", name, err)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("unmarshal snapshot %q: %w", name, err)
	}
	return nil
}

func (s *Store) resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("snapshot name is required")
	}
	cleanName := filepath.Clean(name)
	if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) || filepath.IsAbs(cleanName) {
		return "", fmt.Errorf("snapshot name %q escapes the data directory", name)
	}
	return filepath.Join(s.dir, cleanName), nil
}
