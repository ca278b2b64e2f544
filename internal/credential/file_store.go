package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists material as a JSON file per service, mode 0600.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed token store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("token directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the material atomically (write temp, rename).
func (s *FileStore) Save(_ context.Context, m Material) error {
	if m.Service == "" {
		return fmt.Errorf("material service is required")
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	target := s.pathFor(m.Service)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}

// Load reads the material for a service. A missing file is not an error.
func (s *FileStore) Load(_ context.Context, service string) (Material, bool, error) {
	data, err := os.ReadFile(s.pathFor(service))
	if err != nil {
		if os.IsNotExist(err) {
			return Material{}, false, nil
		}
		return Material{}, false, fmt.Errorf("read credential file: %w", err)
	}
	var m Material
	if err := json.Unmarshal(data, &m); err != nil {
		return Material{}, false, fmt.Errorf("decode credential file: %w", err)
	}
	return m, true, nil
}

func (s *FileStore) pathFor(service string) string {
	return filepath.Join(s.dir, service+"_token.json")
}

// MemoryStore is an in-memory TokenStore for tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Material
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Material)}
}

// Save stores the material keyed by service.
func (s *MemoryStore) Save(_ context.Context, m Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[m.Service] = m
	return nil
}

// Load returns the stored material for a service.
func (s *MemoryStore) Load(_ context.Context, service string) (Material, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[service]
	return m, ok, nil
}
