// Package sources manages the operator-mutable, durable source list.
package sources

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// Store persists the full source list.
type Store interface {
	Save(ctx context.Context, items []pipeline.Source) error
	Load(ctx context.Context) ([]pipeline.Source, error)
}

// List is the mutex-guarded source list. Mutations persist the whole list
// before returning, so operator edits survive restarts.
type List struct {
	mu     sync.Mutex
	store  Store
	items  []pipeline.Source
	logger *zap.Logger
}

// New loads the persisted list and wraps it in a List.
func New(ctx context.Context, store Store, logger *zap.Logger) (*List, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	items, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	return &List{
		store:  store,
		items:  items,
		logger: logger,
	}, nil
}

// Snapshot returns a copy of the current list in configured order.
func (l *List) Snapshot() []pipeline.Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pipeline.Source(nil), l.items...)
}

// Add appends a new enabled source. Adding a duplicate identifier is a
// configuration error.
func (l *List) Add(ctx context.Context, id string, tier pipeline.Tier) error {
	if id == "" {
		return &pipeline.ConfigurationError{Field: "source.id", Reason: "must not be empty"}
	}
	if tier != pipeline.TierPrimary && tier != pipeline.TierFallback {
		return &pipeline.ConfigurationError{Field: "source.tier", Reason: fmt.Sprintf("unknown tier %q", tier)}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.items {
		if s.ID == id {
			return &pipeline.ConfigurationError{Field: "source.id", Reason: fmt.Sprintf("%q already configured", id)}
		}
	}
	next := append(append([]pipeline.Source(nil), l.items...), pipeline.Source{ID: id, Tier: tier, Enabled: true})
	if err := l.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist sources: %w", err)
	}
	l.items = next
	l.logger.Info("source added", zap.String("source", id), zap.String("tier", string(tier)))
	return nil
}

// Remove deletes the source with the given identifier.
func (l *List) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := -1
	for i, s := range l.items {
		if s.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &pipeline.ConfigurationError{Field: "source.id", Reason: fmt.Sprintf("%q is not configured", id)}
	}
	next := append([]pipeline.Source(nil), l.items[:idx]...)
	next = append(next, l.items[idx+1:]...)
	if err := l.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist sources: %w", err)
	}
	l.items = next
	l.logger.Info("source removed", zap.String("source", id))
	return nil
}

// SetEnabled toggles a source without removing its position.
func (l *List) SetEnabled(ctx context.Context, id string, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := append([]pipeline.Source(nil), l.items...)
	found := false
	for i := range next {
		if next[i].ID == id {
			next[i].Enabled = enabled
			found = true
			break
		}
	}
	if !found {
		return &pipeline.ConfigurationError{Field: "source.id", Reason: fmt.Sprintf("%q is not configured", id)}
	}
	if err := l.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist sources: %w", err)
	}
	l.items = next
	return nil
}

// Reorder rearranges the list to match ids, which must be a permutation of
// the configured identifiers.
func (l *List) Reorder(ctx context.Context, ids []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(ids) != len(l.items) {
		return &pipeline.ConfigurationError{Field: "sources", Reason: "reorder must name every configured source exactly once"}
	}
	byID := make(map[string]pipeline.Source, len(l.items))
	for _, s := range l.items {
		byID[s.ID] = s
	}
	next := make([]pipeline.Source, 0, len(ids))
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			return &pipeline.ConfigurationError{Field: "sources", Reason: fmt.Sprintf("%q is not configured", id)}
		}
		delete(byID, id)
		next = append(next, s)
	}
	if err := l.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist sources: %w", err)
	}
	l.items = next
	return nil
}
