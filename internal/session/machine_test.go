package session

import (
	"context"
	"errors"
	"sync"
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

// fakeBrowser scripts the outcome of each browser call.
type fakeBrowser struct {
	mu          sync.Mutex
	loginErrs   []error
	logins      int
	pollErrs    []error
	polls       int
	pollItems   []pipeline.Item
	rangeItems  []pipeline.Item
	navigateErr error
	closed      bool
}

func (b *fakeBrowser) Login(context.Context, pipeline.CredentialHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logins++
	if len(b.loginErrs) > 0 {
		err := b.loginErrs[0]
		b.loginErrs = b.loginErrs[1:]
		return err
	}
	return nil
}

func (b *fakeBrowser) Navigate(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.navigateErr
}

func (b *fakeBrowser) Poll(context.Context) ([]pipeline.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	if len(b.pollErrs) > 0 {
		err := b.pollErrs[0]
		b.pollErrs = b.pollErrs[1:]
		return nil, err
	}
	return b.pollItems, nil
}

func (b *fakeBrowser) PollRange(context.Context, time.Time, time.Time) ([]pipeline.Item, error) {
	return b.rangeItems, nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBrowser) loginCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logins
}

func (b *fakeBrowser) pollCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

type fakeCreds struct {
	err error
}

type staticHandle struct{}

func (staticHandle) Service() string  { return "source" }
func (staticHandle) Identity() string { return "watcher" }
func (staticHandle) Secret() string   { return "hunter2" }

func (c fakeCreds) ActiveHandle(context.Context) (pipeline.CredentialHandle, error) {
	if c.err != nil {
		return nil, c.err
	}
	return staticHandle{}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []pipeline.Item
}

func (n *recordingNotifier) NotifyNew(_ context.Context, item pipeline.Item) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.items)
}

type stateRecorder struct {
	mu   sync.Mutex
	seen []State
}

func (r *stateRecorder) record(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, st)
}

func (r *stateRecorder) saw(want State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.seen {
		if st == want {
			return true
		}
	}
	return false
}

func newMachine(t *testing.T, browser *fakeBrowser, notifier Notifier, led pipeline.Ledger, rec *stateRecorder) *Machine {
	t.Helper()
	if led == nil {
		led = ledger.New(memory.NewLedgerStore(), fixedClock{now: time.Now().UTC()}, zap.NewNop())
	}
	var onChange func(State)
	if rec != nil {
		onChange = rec.record
	}
	m, err := NewMachine(Options{
		Browser:          browser,
		Credentials:      fakeCreds{},
		Ledger:           led,
		Notifier:         notifier,
		Target:           "watched-page",
		PollInterval:     5 * time.Millisecond,
		Retry:            pipeline.NewRetryPolicy(2, time.Millisecond, 4*time.Millisecond),
		FailureThreshold: 3,
		Clock:            fixedClock{now: time.Now().UTC()},
		Logger:           zap.NewNop(),
		OnStateChange:    onChange,
	})
	require.NoError(t, err)
	return m
}

func runMachine(t *testing.T, m *Machine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("machine did not stop")
		}
	})
	return cancel
}

func TestStartsLoggedOut(t *testing.T) {
	t.Parallel()

	m := newMachine(t, &fakeBrowser{}, nil, nil, nil)
	require.Equal(t, StateLoggedOut, m.State())
}

func TestReachesMonitoringAfterLogin(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	m := newMachine(t, browser, nil, nil, nil)
	runMachine(t, m)

	require.Eventually(t, func() bool {
		return m.State() == StateMonitoring
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewItemsAreNotifiedOnceAndDedupedItemsSkipped(t *testing.T) {
	t.Parallel()

	led := ledger.New(memory.NewLedgerStore(), fixedClock{now: time.Now().UTC()}, zap.NewNop())
	require.NoError(t, led.Record(context.Background(), "seen", pipeline.OutcomeSuccess))

	browser := &fakeBrowser{pollItems: []pipeline.Item{
		{Fingerprint: "seen", SourceID: "a"},
		{Fingerprint: "fresh", SourceID: "a"},
	}}
	notifier := &recordingNotifier{}
	m := newMachine(t, browser, notifier, led, nil)
	runMachine(t, m)

	// Let several poll ticks return the same listing; the fresh item must
	// be announced exactly once and the recorded one never.
	require.Eventually(t, func() bool {
		return browser.pollCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.items, 1)
	require.Equal(t, pipeline.Fingerprint("fresh"), notifier.items[0].Fingerprint)
}

func TestConsecutivePollFailuresDegradeThenRecover(t *testing.T) {
	t.Parallel()

	pollErr := errors.New("page changed")
	browser := &fakeBrowser{pollErrs: []error{pollErr, pollErr, pollErr}}
	m := newMachine(t, browser, nil, nil, nil)
	runMachine(t, m)

	// Three failures hit the threshold, degrade, and force a re-login;
	// polls succeed afterwards so monitoring resumes.
	require.Eventually(t, func() bool {
		return browser.loginCount() >= 2 && m.State() == StateMonitoring
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLoginExhaustionDegradesThenRecovers(t *testing.T) {
	t.Parallel()

	failed := errors.New("bad password page")
	browser := &fakeBrowser{loginErrs: []error{failed, failed}}
	rec := &stateRecorder{}
	m := newMachine(t, browser, nil, nil, rec)
	runMachine(t, m)

	// Two failed attempts exhaust the policy; the session must surface the
	// degradation rather than quietly fall back to logged_out, then recover
	// once login succeeds.
	require.Eventually(t, func() bool {
		return rec.saw(StateDegraded) && m.State() == StateMonitoring
	}, 2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, browser.loginCount(), 3)
	require.False(t, rec.saw(StateLoggedOut))
}

func TestNavigateFailureDegrades(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{navigateErr: errors.New("target page gone")}
	rec := &stateRecorder{}
	m := newMachine(t, browser, nil, nil, rec)
	runMachine(t, m)

	require.Eventually(t, func() bool {
		return rec.saw(StateDegraded)
	}, 2*time.Second, 5*time.Millisecond)
	require.False(t, rec.saw(StateLoggedOut))
}

func TestRestartForcesLoggedOut(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	m := newMachine(t, browser, nil, nil, nil)
	runMachine(t, m)

	require.Eventually(t, func() bool {
		return m.State() == StateMonitoring
	}, 2*time.Second, 5*time.Millisecond)

	before := browser.loginCount()
	m.Restart()

	require.Eventually(t, func() bool {
		return browser.loginCount() > before && m.State() == StateMonitoring
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPollHistoricalFiltersAndCounts(t *testing.T) {
	t.Parallel()

	led := ledger.New(memory.NewLedgerStore(), fixedClock{now: time.Now().UTC()}, zap.NewNop())
	require.NoError(t, led.Record(context.Background(), "old-seen", pipeline.OutcomeSuccess))

	browser := &fakeBrowser{rangeItems: []pipeline.Item{
		{Fingerprint: "old-seen"},
		{Fingerprint: "old-fresh"},
	}}
	notifier := &recordingNotifier{}
	m := newMachine(t, browser, notifier, led, nil)
	runMachine(t, m)

	require.Eventually(t, func() bool {
		return m.State() == StateMonitoring
	}, 2*time.Second, 5*time.Millisecond)

	from := time.Now().Add(-24 * time.Hour)
	fresh, err := m.PollHistorical(context.Background(), from, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, fresh)
}

func TestIllegalTransitionIsIgnored(t *testing.T) {
	t.Parallel()

	m := newMachine(t, &fakeBrowser{}, nil, nil, nil)
	// logged_out -> monitoring is not a legal edge; state must not change.
	m.transition(StateLoggedOut, StateMonitoring)
	require.Equal(t, StateLoggedOut, m.State())
}
