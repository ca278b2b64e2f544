// Package session drives the authenticated watch session against the
// source platform. The session never survives a restart; every process
// start begins logged out.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// State is a session lifecycle state.
type State string

// Session states.
const (
	StateLoggedOut  State = "logged_out"
	StateLoggingIn  State = "logging_in"
	StateReady      State = "ready"
	StateMonitoring State = "monitoring"
	StateDegraded   State = "degraded"
)

var validTransitions = map[State][]State{
	StateLoggedOut:  {StateLoggingIn},
	StateLoggingIn:  {StateReady, StateDegraded, StateLoggedOut},
	StateReady:      {StateMonitoring, StateDegraded, StateLoggedOut},
	StateMonitoring: {StateMonitoring, StateDegraded, StateLoggedOut},
	StateDegraded:   {StateLoggingIn, StateLoggedOut},
}

// Browser is the automated-browser collaborator the session drives. The
// implementation owns page mechanics; the machine owns when each call
// happens and what a failure means.
type Browser interface {
	Login(ctx context.Context, cred pipeline.CredentialHandle) error
	Navigate(ctx context.Context, target string) error
	Poll(ctx context.Context) ([]pipeline.Item, error)
	PollRange(ctx context.Context, from, to time.Time) ([]pipeline.Item, error)
	Close() error
}

// Notifier receives items that passed the dedup check during monitoring.
type Notifier interface {
	NotifyNew(ctx context.Context, item pipeline.Item)
}

// Options configures a Machine.
type Options struct {
	Browser     Browser
	Credentials pipeline.CredentialSource
	Ledger      pipeline.Ledger
	Notifier    Notifier
	Target      string
	// PollInterval is the cadence of the monitoring loop.
	PollInterval time.Duration
	// Retry bounds login attempts and paces the relogin backoff; the same
	// policy type the credential manager takes.
	Retry            *pipeline.RetryPolicy
	FailureThreshold int
	Clock            pipeline.Clock
	Logger           *zap.Logger
	// OnStateChange, when set, observes every committed transition.
	OnStateChange func(State)
}

// Machine is the session state machine. All transitions flow through a
// single guarded function so observers always see a coherent state.
type Machine struct {
	mu        sync.Mutex
	state     State
	failures  int
	opCancel  context.CancelFunc
	restartCh chan struct{}

	// notified remembers which fingerprints downstream has already been
	// told about, so a re-polled item is announced at most once per
	// process lifetime. The ledger is not written here; that stays the
	// publish pipeline's commit point.
	notified map[pipeline.Fingerprint]struct{}

	browser   Browser
	creds     pipeline.CredentialSource
	ledger    pipeline.Ledger
	notifier  Notifier
	target    string
	interval  time.Duration
	retry     *pipeline.RetryPolicy
	threshold int
	clock     pipeline.Clock
	logger    *zap.Logger
	onChange  func(State)
}

// NewMachine builds a Machine in the logged-out state.
func NewMachine(opts Options) (*Machine, error) {
	if opts.Browser == nil {
		return nil, fmt.Errorf("session browser is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("session credential source is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("session ledger is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("session clock is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 60 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = pipeline.NewRetryPolicy(3, time.Second, 30*time.Second)
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Machine{
		state:     StateLoggedOut,
		restartCh: make(chan struct{}, 1),
		notified:  make(map[pipeline.Fingerprint]struct{}),
		browser:   opts.Browser,
		creds:     opts.Credentials,
		ledger:    opts.Ledger,
		notifier:  opts.Notifier,
		target:    opts.Target,
		interval:  opts.PollInterval,
		retry:     opts.Retry,
		threshold: opts.FailureThreshold,
		clock:     opts.Clock,
		logger:    opts.Logger,
		onChange:  opts.OnStateChange,
	}, nil
}

// State returns the current session state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restart tears down the current session from any state. Any in-flight
// browser operation is cancelled and the machine re-enters the login flow
// on its next loop iteration.
func (m *Machine) Restart() {
	m.mu.Lock()
	if m.opCancel != nil {
		m.opCancel()
	}
	m.setStateLocked(StateLoggedOut)
	m.failures = 0
	m.mu.Unlock()
	select {
	case m.restartCh <- struct{}{}:
	default:
	}
	m.logger.Info("session restart requested")
}

// Run drives the session until ctx is cancelled. Every step is fallible
// and a failure never crashes the loop; it moves the machine to the state
// that names the failure.
func (m *Machine) Run(ctx context.Context) error {
	defer func() {
		if err := m.browser.Close(); err != nil {
			m.logger.Warn("browser close failed", zap.Error(err))
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch m.State() {
		case StateLoggedOut:
			m.transition(StateLoggedOut, StateLoggingIn)
		case StateLoggingIn:
			m.stepLogin(ctx)
		case StateReady:
			m.stepNavigate(ctx)
		case StateMonitoring:
			m.stepPoll(ctx)
		case StateDegraded:
			m.stepDegraded(ctx)
		}
	}
}

// PollHistorical fetches items from a historical window without leaving the
// monitoring loop's cadence. Items are deduped and recorded the same way
// live items are.
func (m *Machine) PollHistorical(ctx context.Context, from, to time.Time) (int, error) {
	if m.State() != StateMonitoring && m.State() != StateReady {
		return 0, fmt.Errorf("historical poll requires an active session")
	}
	items, err := m.browser.PollRange(ctx, from, to)
	if err != nil {
		return 0, pipeline.Classify("historical poll", err)
	}
	fresh := 0
	for _, item := range items {
		if m.handleItem(ctx, item) {
			fresh++
		}
	}
	return fresh, nil
}

func (m *Machine) stepLogin(ctx context.Context) {
	cred, err := m.creds.ActiveHandle(ctx)
	if err != nil {
		m.logger.Error("no credential for login", zap.Error(err))
		m.transition(StateLoggingIn, StateDegraded)
		return
	}
	for attempt := 1; ; attempt++ {
		opCtx := m.beginOp(ctx)
		err = m.browser.Login(opCtx, cred)
		m.endOp()
		if err == nil {
			m.logger.Info("session logged in", zap.Int("attempt", attempt))
			m.transition(StateLoggingIn, StateReady)
			return
		}
		m.logger.Warn("login attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !m.retry.ShouldRetry(err, attempt) {
			break
		}
		m.sleep(ctx, m.retry.Backoff(attempt-1))
		if ctx.Err() != nil {
			return
		}
	}
	m.logger.Error("login retries exhausted", zap.Error(err))
	m.transition(StateLoggingIn, StateDegraded)
}

func (m *Machine) stepNavigate(ctx context.Context) {
	opCtx := m.beginOp(ctx)
	err := m.browser.Navigate(opCtx, m.target)
	m.endOp()
	if err != nil {
		m.logger.Error("navigate failed", zap.String("target", m.target), zap.Error(err))
		m.transition(StateReady, StateDegraded)
		return
	}
	m.logger.Info("watching target", zap.String("target", m.target))
	m.transition(StateReady, StateMonitoring)
}

func (m *Machine) stepPoll(ctx context.Context) {
	opCtx := m.beginOp(ctx)
	items, err := m.browser.Poll(opCtx)
	m.endOp()
	if err != nil {
		m.mu.Lock()
		m.failures++
		failures := m.failures
		m.mu.Unlock()
		m.logger.Warn("poll failed",
			zap.Int("consecutive_failures", failures),
			zap.Int("threshold", m.threshold),
			zap.Error(err),
		)
		if failures >= m.threshold {
			m.transition(StateMonitoring, StateDegraded)
			return
		}
		m.sleep(ctx, m.interval)
		return
	}
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
	for _, item := range items {
		m.handleItem(ctx, item)
	}
	m.sleep(ctx, m.interval)
}

func (m *Machine) stepDegraded(ctx context.Context) {
	m.logger.Warn("session degraded, re-login after backoff")
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
	m.sleep(ctx, m.retry.Backoff(0))
	if ctx.Err() != nil {
		return
	}
	m.transition(StateDegraded, StateLoggingIn)
}

// handleItem runs the dedup check and notifies downstream at most once per
// fingerprint. It returns true when the item is fresh. The ledger is never
// written here; an item is recorded only when the publish pipeline commits
// it, so an unpublished item stays eligible across restarts.
func (m *Machine) handleItem(ctx context.Context, item pipeline.Item) bool {
	seen, err := m.ledger.Has(ctx, item.Fingerprint)
	if err != nil {
		m.logger.Error("dedup check failed",
			zap.String("fingerprint", string(item.Fingerprint)),
			zap.Error(err),
		)
		return false
	}
	if seen {
		return false
	}
	m.mu.Lock()
	if _, announced := m.notified[item.Fingerprint]; announced {
		m.mu.Unlock()
		return false
	}
	m.notified[item.Fingerprint] = struct{}{}
	m.mu.Unlock()
	m.logger.Info("new item observed",
		zap.String("fingerprint", string(item.Fingerprint)),
		zap.String("source", item.SourceID),
	)
	if m.notifier != nil {
		m.notifier.NotifyNew(ctx, item)
	}
	return true
}

// transition applies from -> to if it is both legal and current. Illegal
// transitions are programming errors and are logged loudly instead of
// panicking the daemon.
func (m *Machine) transition(from, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		// A Restart raced us; the loop re-reads state next iteration.
		return
	}
	m.setStateLocked(to)
}

func (m *Machine) setStateLocked(to State) {
	for _, allowed := range validTransitions[m.state] {
		if allowed == to {
			m.logger.Debug("session transition",
				zap.String("from", string(m.state)),
				zap.String("to", string(to)),
			)
			m.state = to
			if m.onChange != nil {
				m.onChange(to)
			}
			return
		}
	}
	if m.state == to {
		return
	}
	m.logger.Error("illegal session transition",
		zap.String("from", string(m.state)),
		zap.String("to", string(to)),
	)
}

// beginOp derives a cancellable context for a browser call so Restart can
// abort it mid-flight.
func (m *Machine) beginOp(ctx context.Context) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	opCtx, cancel := context.WithCancel(ctx)
	m.opCancel = cancel
	return opCtx
}

func (m *Machine) endOp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opCancel != nil {
		m.opCancel()
		m.opCancel = nil
	}
}

func (m *Machine) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-m.restartCh:
	case <-timer.C:
	}
}
