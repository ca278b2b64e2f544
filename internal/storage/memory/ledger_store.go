// Package memory provides in-memory store implementations for tests and
// local development.
package memory

import (
	"context"
	"sync"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// LedgerStore keeps ledger entries in a map. Appends are idempotent.
type LedgerStore struct {
	mu      sync.Mutex
	entries map[pipeline.Fingerprint]pipeline.LedgerEntry
	order   []pipeline.Fingerprint
}

// NewLedgerStore constructs an empty ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		entries: make(map[pipeline.Fingerprint]pipeline.LedgerEntry),
	}
}

// Append stores the entry unless the fingerprint is already present.
func (s *LedgerStore) Append(_ context.Context, entry pipeline.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.Fingerprint]; ok {
		return nil
	}
	s.entries[entry.Fingerprint] = entry
	s.order = append(s.order, entry.Fingerprint)
	return nil
}

// Has reports whether the fingerprint was recorded.
func (s *LedgerStore) Has(_ context.Context, fp pipeline.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[fp]
	return ok, nil
}

// Count returns the number of recorded fingerprints.
func (s *LedgerStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// Close is a no-op for the in-memory store.
func (s *LedgerStore) Close() {}
