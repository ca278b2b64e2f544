// Package ledger implements the durable dedup ledger.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// Store is the durable backend for ledger entries. Append must be
// idempotent and must not return until the write is durable.
type Store interface {
	Append(ctx context.Context, entry pipeline.LedgerEntry) error
	Has(ctx context.Context, fp pipeline.Fingerprint) (bool, error)
	Count(ctx context.Context) (int, error)
}

// Ledger guards the dedup store with its own critical section so records
// from the scheduler, poll loop, and command loop are atomic with respect to
// each other.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	clock  pipeline.Clock
	logger *zap.Logger
}

// New constructs a Ledger over the given store.
func New(store Store, clock pipeline.Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// Has reports whether the fingerprint was processed before.
func (l *Ledger) Has(ctx context.Context, fp pipeline.Fingerprint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	has, err := l.store.Has(ctx, fp)
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return has, nil
}

// Record appends the fingerprint. Recording an already-present fingerprint
// is a no-op, never an error and never a duplicate write. The entry is
// durable before Record returns.
func (l *Ledger) Record(ctx context.Context, fp pipeline.Fingerprint, outcome pipeline.Outcome) error {
	if fp == "" {
		return fmt.Errorf("ledger record: fingerprint is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	has, err := l.store.Has(ctx, fp)
	if err != nil {
		return fmt.Errorf("ledger lookup: %w", err)
	}
	if has {
		l.logger.Debug("fingerprint already recorded", zap.String("fingerprint", string(fp)))
		return nil
	}
	entry := pipeline.LedgerEntry{
		Fingerprint: fp,
		RecordedAt:  l.clock.Now(),
		Outcome:     outcome,
	}
	if err := l.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("ledger append: %w", err)
	}
	l.logger.Info("fingerprint recorded",
		zap.String("fingerprint", string(fp)),
		zap.String("outcome", string(outcome)),
	)
	return nil
}

// Count returns the number of processed fingerprints.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count, err := l.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger count: %w", err)
	}
	return count, nil
}
