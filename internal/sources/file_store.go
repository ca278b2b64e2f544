package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// FileStore persists the source list as a JSON file. A missing file loads
// as an empty list.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store at the given path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sources path is required")
	}
	return &FileStore{path: path}, nil
}

// Load reads the persisted source list.
func (s *FileStore) Load(_ context.Context) ([]pipeline.Source, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var items []pipeline.Source
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode sources file: %w", err)
	}
	return items, nil
}

// Save writes the full list atomically (write temp, rename).
func (s *FileStore) Save(_ context.Context, items []pipeline.Source) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create sources directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write sources file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace sources file: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	items []pipeline.Source
}

// NewMemoryStore creates a store seeded with the given sources.
func NewMemoryStore(items ...pipeline.Source) *MemoryStore {
	return &MemoryStore{items: append([]pipeline.Source(nil), items...)}
}

// Load returns the stored list.
func (s *MemoryStore) Load(_ context.Context) ([]pipeline.Source, error) {
	return append([]pipeline.Source(nil), s.items...), nil
}

// Save replaces the stored list.
func (s *MemoryStore) Save(_ context.Context, items []pipeline.Source) error {
	s.items = append([]pipeline.Source(nil), items...)
	return nil
}
