package command

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/ledger"
	"github.com/reelpipe/reelpipe/internal/orchestrator"
	"github.com/reelpipe/reelpipe/internal/pipeline"
	pubmemory "github.com/reelpipe/reelpipe/internal/publish/memory"
	"github.com/reelpipe/reelpipe/internal/session"
	"github.com/reelpipe/reelpipe/internal/sources"
	"github.com/reelpipe/reelpipe/internal/storage/memory"
	trmemory "github.com/reelpipe/reelpipe/internal/transport/memory"
)

const operatorID int64 = 4242

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeRunner struct {
	res orchestrator.Result
	err error
}

func (r *fakeRunner) RunOnce(context.Context) (orchestrator.Result, error) {
	return r.res, r.err
}

type fakeSession struct {
	mu        sync.Mutex
	state     session.State
	restarted bool
}

func (s *fakeSession) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarted = true
}

type fakeCreds struct{ err error }

type testHandle struct{}

func (testHandle) Service() string  { return "publisher" }
func (testHandle) Identity() string { return "channel" }
func (testHandle) Secret() string   { return "tok" }

func (c fakeCreds) ActiveHandle(context.Context) (pipeline.CredentialHandle, error) {
	if c.err != nil {
		return nil, c.err
	}
	return testHandle{}, nil
}

type fixture struct {
	dispatcher *Dispatcher
	transport  *trmemory.Transport
	runner     *fakeRunner
	session    *fakeSession
	sources    *sources.List
	ledger     pipeline.Ledger
	publisher  *pubmemory.Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := fixedClock{now: time.Unix(1700000000, 0).UTC()}
	led := ledger.New(memory.NewLedgerStore(), clk, zap.NewNop())
	srcList, err := sources.New(context.Background(), sources.NewMemoryStore(
		pipeline.Source{ID: "creator", Tier: pipeline.TierPrimary, Enabled: true},
	), zap.NewNop())
	require.NoError(t, err)

	transport := trmemory.New(8)
	runner := &fakeRunner{}
	sess := &fakeSession{state: session.StateMonitoring}
	publisher := pubmemory.New()

	d, err := New(Options{
		Transport:  transport,
		Authorized: []int64{operatorID},
		Runner:     runner,
		Sources:    srcList,
		Ledger:     led,
		Session:    sess,
		Publisher:  publisher,
		Creds:      fakeCreds{},
		Clock:      clk,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return &fixture{
		dispatcher: d,
		transport:  transport,
		runner:     runner,
		session:    sess,
		sources:    srcList,
		ledger:     led,
		publisher:  publisher,
	}
}

func cmd(issuer int64, verb string, args ...string) pipeline.Command {
	return pipeline.Command{ID: "c1", Issuer: issuer, Verb: verb, Args: args}
}

func TestEmptyAllowlistRejected(t *testing.T) {
	t.Parallel()

	_, err := New(Options{
		Transport: trmemory.New(1),
		Clock:     fixedClock{now: time.Now()},
	})
	var cfgErr *pipeline.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestUnauthorizedIssuerGetsFixedDenial(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	for _, verb := range []string{"/run", "/restart", "/addsource", "/nonsense"} {
		resp := f.dispatcher.Handle(context.Background(), cmd(999, verb, "x"))
		require.Equal(t, deniedText, resp.Text, "every verb gets the same denial")
	}
	require.False(t, f.session.restarted, "denied commands must have no effect")
	require.Len(t, f.sources.Snapshot(), 1)
}

func TestHelpAndStartListVerbs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, verb := range []string{"/help", "/start"} {
		resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, verb))
		require.Contains(t, resp.Text, "/run")
		require.Contains(t, resp.Text, "/addsource")
		require.Contains(t, resp.Text, "/disablesource")
		require.Contains(t, resp.Text, "/reorder")
	}
}

func TestRunReportsPublishedItem(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.runner.res = orchestrator.Result{Published: true, Fingerprint: "abc123", RemoteID: "vid-1"}

	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/run"))
	require.Equal(t, "published abc123 (remote id vid-1)", resp.Text)
}

func TestRunReportsExhaustion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/run"))
	require.Equal(t, "nothing left to publish, all sources exhausted", resp.Text)
}

func TestRunReportsBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.runner.err = pipeline.ErrBusy

	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/run"))
	require.Equal(t, "a run is already in progress", resp.Text)
}

func TestRunReportsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.runner.err = errors.New("download timed out")

	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/run"))
	require.Contains(t, resp.Text, "run failed")
	require.Contains(t, resp.Text, "download timed out")
}

func TestSourcesListsConfiguredOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.sources.Add(context.Background(), "backup", pipeline.TierFallback))
	require.NoError(t, f.sources.SetEnabled(context.Background(), "backup", false))

	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/sources"))
	lines := strings.Split(resp.Text, "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "creator")
	require.Contains(t, lines[0], "enabled")
	require.Contains(t, lines[1], "backup")
	require.Contains(t, lines[1], "disabled")
}

func TestAddSourceDefaultsToFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/addsource", "newbie"))
	require.Equal(t, "added newbie (fallback)", resp.Text)

	snapshot := f.sources.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, pipeline.TierFallback, snapshot[1].Tier)
}

func TestAddSourceRejectsDuplicate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/addsource", "creator", "primary"))
	require.Contains(t, resp.Text, "add source")
	require.Contains(t, resp.Text, "already configured")
}

func TestRemoveSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/removesource", "creator"))
	require.Equal(t, "removed creator", resp.Text)
	require.Empty(t, f.sources.Snapshot())

	resp = f.dispatcher.Handle(context.Background(), cmd(operatorID, "/removesource", "creator"))
	require.Contains(t, resp.Text, "not configured")
}

func TestDisableThenEnableSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/disablesource", "creator"))
	require.Equal(t, "disabled creator", resp.Text)
	require.False(t, f.sources.Snapshot()[0].Enabled)

	resp = f.dispatcher.Handle(context.Background(), cmd(operatorID, "/enablesource", "creator"))
	require.Equal(t, "enabled creator", resp.Text)
	require.True(t, f.sources.Snapshot()[0].Enabled)

	resp = f.dispatcher.Handle(context.Background(), cmd(operatorID, "/disablesource", "ghost"))
	require.Contains(t, resp.Text, "disable source")

	resp = f.dispatcher.Handle(context.Background(), cmd(operatorID, "/enablesource"))
	require.Equal(t, "usage: /enablesource <id>", resp.Text)
}

func TestReorderSources(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.sources.Add(context.Background(), "backup", pipeline.TierFallback))

	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/reorder", "backup", "creator"))
	require.Equal(t, "sources reordered", resp.Text)

	snapshot := f.sources.Snapshot()
	require.Equal(t, "backup", snapshot[0].ID)
	require.Equal(t, "creator", snapshot[1].ID)

	resp = f.dispatcher.Handle(context.Background(), cmd(operatorID, "/reorder", "backup"))
	require.Contains(t, resp.Text, "reorder sources")

	resp = f.dispatcher.Handle(context.Background(), cmd(operatorID, "/reorder"))
	require.Equal(t, "usage: /reorder <id> <id> ...", resp.Text)
}

func TestEditMetadataRetitles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	remoteID, err := f.publisher.Publish(context.Background(), "spool://x", pipeline.Metadata{Title: "old"}, testHandle{})
	require.NoError(t, err)

	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/editmeta", remoteID, "Fresh", "new", "title"))
	require.Equal(t, "updated "+remoteID, resp.Text)
	require.Equal(t, "Fresh new title", f.publisher.Updates()[remoteID].Title)
}

func TestEditMetadataUnknownRemoteID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/editmeta", "nope", "title"))
	require.Contains(t, resp.Text, "edit metadata")
	require.Contains(t, resp.Text, "unknown remote id")
}

func TestStatusReportsSessionAndCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.ledger.Record(context.Background(), "fp1", pipeline.OutcomeSuccess))

	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/status"))
	require.Contains(t, resp.Text, "session: monitoring")
	require.Contains(t, resp.Text, "sources: 1")
	require.Contains(t, resp.Text, "processed: 1")
}

func TestDedupCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.ledger.Record(context.Background(), "fp1", pipeline.OutcomeSuccess))
	require.NoError(t, f.ledger.Record(context.Background(), "fp2", pipeline.OutcomeBlacklisted))

	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/dedupcount"))
	require.Equal(t, "2 items processed", resp.Text)
}

func TestRestartRequestsSessionRestart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/restart"))
	require.Equal(t, "session restart requested", resp.Text)
	require.True(t, f.session.restarted)
}

func TestUnknownVerbSuggestsHelp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.dispatcher.Handle(context.Background(), cmd(operatorID, "/frobnicate"))
	require.Contains(t, resp.Text, "unknown command")
	require.Contains(t, resp.Text, "/help")
}

func TestRunLoopRepliesOverTransport(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.dispatcher.Run(ctx) }()

	f.transport.Inject(pipeline.Command{ID: "c1", Issuer: operatorID, Verb: "/dedupcount"})
	f.transport.Inject(pipeline.Command{ID: "c2", Issuer: 999, Verb: "/run"})

	require.Eventually(t, func() bool {
		return len(f.transport.Outbox()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	out := f.transport.Outbox()
	require.Equal(t, "c1", out[0].CommandID)
	require.Equal(t, "0 items processed", out[0].Text)
	require.Equal(t, "c2", out[1].CommandID)
	require.Equal(t, deniedText, out[1].Text)
}
