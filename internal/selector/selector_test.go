package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/ledger"
	"github.com/reelpipe/reelpipe/internal/pipeline"
	"github.com/reelpipe/reelpipe/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// fakeFetcher serves canned listings per source id.
type fakeFetcher struct {
	listings map[string][]pipeline.Item
	errs     map[string]error
	calls    []string
}

func (f *fakeFetcher) ListItems(_ context.Context, src pipeline.Source) ([]pipeline.Item, error) {
	f.calls = append(f.calls, src.ID)
	if err := f.errs[src.ID]; err != nil {
		return nil, err
	}
	return f.listings[src.ID], nil
}

func (f *fakeFetcher) Download(context.Context, pipeline.Item) ([]byte, error) {
	return nil, errors.New("not used")
}

func item(fp string, postedAt time.Time) pipeline.Item {
	return pipeline.Item{Fingerprint: pipeline.Fingerprint(fp), PostedAt: postedAt}
}

func newLedger(t *testing.T, recorded ...string) pipeline.Ledger {
	t.Helper()
	l := ledger.New(memory.NewLedgerStore(), fixedClock{now: time.Now().UTC()}, zap.NewNop())
	for _, fp := range recorded {
		require.NoError(t, l.Record(context.Background(), pipeline.Fingerprint(fp), pipeline.OutcomeSuccess))
	}
	return l
}

func TestPrimaryTierWinsOverFallback(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	fetcher := &fakeFetcher{listings: map[string][]pipeline.Item{
		"primary-a":  {item("p1", base)},
		"fallback-b": {item("f1", base.Add(time.Hour))},
	}}
	sel, err := New(fetcher, zap.NewNop())
	require.NoError(t, err)

	srcs := []pipeline.Source{
		{ID: "fallback-b", Tier: pipeline.TierFallback, Enabled: true},
		{ID: "primary-a", Tier: pipeline.TierPrimary, Enabled: true},
	}
	got, err := sel.NextCandidate(context.Background(), srcs, newLedger(t))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, pipeline.Fingerprint("p1"), got.Fingerprint)
}

func TestNewestItemWinsWithinSource(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	fetcher := &fakeFetcher{listings: map[string][]pipeline.Item{
		"a": {
			item("old", base.Add(-48*time.Hour)),
			item("new", base),
			item("mid", base.Add(-24*time.Hour)),
		},
	}}
	sel, err := New(fetcher, zap.NewNop())
	require.NoError(t, err)

	srcs := []pipeline.Source{{ID: "a", Tier: pipeline.TierPrimary, Enabled: true}}
	got, err := sel.NextCandidate(context.Background(), srcs, newLedger(t))
	require.NoError(t, err)
	require.Equal(t, pipeline.Fingerprint("new"), got.Fingerprint)
}

func TestProcessedItemsAreSkipped(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	fetcher := &fakeFetcher{listings: map[string][]pipeline.Item{
		"a": {item("new", base), item("old", base.Add(-time.Hour))},
	}}
	sel, err := New(fetcher, zap.NewNop())
	require.NoError(t, err)

	srcs := []pipeline.Source{{ID: "a", Tier: pipeline.TierPrimary, Enabled: true}}
	got, err := sel.NextCandidate(context.Background(), srcs, newLedger(t, "new"))
	require.NoError(t, err)
	require.Equal(t, pipeline.Fingerprint("old"), got.Fingerprint)
}

func TestDisabledSourcesAreSkipped(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	fetcher := &fakeFetcher{listings: map[string][]pipeline.Item{
		"disabled": {item("d1", base)},
		"enabled":  {item("e1", base)},
	}}
	sel, err := New(fetcher, zap.NewNop())
	require.NoError(t, err)

	srcs := []pipeline.Source{
		{ID: "disabled", Tier: pipeline.TierPrimary, Enabled: false},
		{ID: "enabled", Tier: pipeline.TierPrimary, Enabled: true},
	}
	got, err := sel.NextCandidate(context.Background(), srcs, newLedger(t))
	require.NoError(t, err)
	require.Equal(t, pipeline.Fingerprint("e1"), got.Fingerprint)
	require.NotContains(t, fetcher.calls, "disabled")
}

func TestExhaustionReturnsNilNil(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	fetcher := &fakeFetcher{listings: map[string][]pipeline.Item{
		"a": {item("seen", base)},
	}}
	sel, err := New(fetcher, zap.NewNop())
	require.NoError(t, err)

	srcs := []pipeline.Source{{ID: "a", Tier: pipeline.TierPrimary, Enabled: true}}
	got, err := sel.NextCandidate(context.Background(), srcs, newLedger(t, "seen"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFailingSourceDoesNotStarveOthers(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	fetcher := &fakeFetcher{
		listings: map[string][]pipeline.Item{"healthy": {item("h1", base)}},
		errs:     map[string]error{"broken": errors.New("listing 500")},
	}
	sel, err := New(fetcher, zap.NewNop())
	require.NoError(t, err)

	srcs := []pipeline.Source{
		{ID: "broken", Tier: pipeline.TierPrimary, Enabled: true},
		{ID: "healthy", Tier: pipeline.TierPrimary, Enabled: true},
	}
	got, err := sel.NextCandidate(context.Background(), srcs, newLedger(t))
	require.NoError(t, err)
	require.Equal(t, pipeline.Fingerprint("h1"), got.Fingerprint)
}

func TestSelectionIsIdempotentWithoutRecording(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	fetcher := &fakeFetcher{listings: map[string][]pipeline.Item{
		"a": {item("x", base)},
	}}
	sel, err := New(fetcher, zap.NewNop())
	require.NoError(t, err)

	srcs := []pipeline.Source{{ID: "a", Tier: pipeline.TierPrimary, Enabled: true}}
	led := newLedger(t)

	first, err := sel.NextCandidate(context.Background(), srcs, led)
	require.NoError(t, err)
	second, err := sel.NextCandidate(context.Background(), srcs, led)
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint, second.Fingerprint)
}
