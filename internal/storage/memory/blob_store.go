package memory

import (
	"context"
	"fmt"
	"sync"
)

// BlobStore keeps spooled payloads in memory and returns mem:// URIs.
type BlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewBlobStore constructs an empty blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		objects: make(map[string][]byte),
	}
}

// PutObject stores data under the given path.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return fmt.Sprintf("mem://%s", path), nil
}

// Object returns the stored bytes for a path (test helper).
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}
