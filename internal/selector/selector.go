// Package selector picks the next unprocessed candidate item across the
// configured source tiers.
package selector

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// Selector walks sources in tier order and returns the first item not yet
// present in the ledger. Selection never mutates the ledger, so calling it
// twice without an intervening publish returns the same candidate.
type Selector struct {
	fetcher pipeline.Fetcher
	logger  *zap.Logger
}

// New constructs a Selector over the given fetcher.
func New(fetcher pipeline.Fetcher, logger *zap.Logger) (*Selector, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("selector fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{fetcher: fetcher, logger: logger}, nil
}

// NextCandidate returns the next publishable item, or (nil, nil) when every
// source is exhausted. Primary sources are drained before fallback sources;
// within a source, newer items win. A source that fails to list is logged
// and skipped so one bad source never starves the rest.
func (s *Selector) NextCandidate(ctx context.Context, srcs []pipeline.Source, ledger pipeline.Ledger) (*pipeline.Item, error) {
	for _, tier := range []pipeline.Tier{pipeline.TierPrimary, pipeline.TierFallback} {
		for _, src := range srcs {
			if src.Tier != tier || !src.Enabled {
				continue
			}
			item, err := s.firstUnseen(ctx, src, ledger)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				s.logger.Warn("source listing failed, skipping",
					zap.String("source", src.ID),
					zap.Error(err),
				)
				continue
			}
			if item != nil {
				return item, nil
			}
		}
	}
	s.logger.Info("all sources exhausted, no candidate")
	return nil, nil
}

func (s *Selector) firstUnseen(ctx context.Context, src pipeline.Source, ledger pipeline.Ledger) (*pipeline.Item, error) {
	items, err := s.fetcher.ListItems(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("list items from %s: %w", src.ID, err)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PostedAt.After(items[j].PostedAt)
	})
	for i := range items {
		seen, err := ledger.Has(ctx, items[i].Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("dedup check for %s: %w", items[i].Fingerprint, err)
		}
		if !seen {
			return &items[i], nil
		}
	}
	return nil, nil
}
