// Package credential owns the lifecycle of external service credentials.
// Exactly one manager exists per service; consumers request handles instead
// of holding material, so rotation stays transparent.
package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// State is the lifecycle position of a service credential.
type State string

// Credential lifecycle states.
const (
	StateAbsent       State = "absent"
	StateObtaining    State = "obtaining"
	StateValid        State = "valid"
	StateExpiringSoon State = "expiring_soon"
	StateInvalid      State = "invalid"
)

// Material is the raw credential record. It never leaves this package.
type Material struct {
	Service      string    `json:"service"`
	Identity     string    `json:"identity"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// TokenStore persists material across restarts.
type TokenStore interface {
	Save(ctx context.Context, m Material) error
	Load(ctx context.Context, service string) (Material, bool, error)
}

// Bootstrapper runs the interactive or file-based first-time flow.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, service string) (Material, error)
}

// Refresher exchanges refresh material for fresh access material.
type Refresher interface {
	Refresh(ctx context.Context, m Material) (Material, error)
}

// Validator checks that material is still accepted upstream. A nil
// validator means only the expiry hint is consulted.
type Validator interface {
	Validate(ctx context.Context, m Material) error
}

// Manager drives one service credential through its lifecycle.
type Manager struct {
	mu         sync.Mutex
	service    string
	state      State
	material   Material
	store      TokenStore
	boot       Bootstrapper
	refresher  Refresher
	validator  Validator
	retry      *pipeline.RetryPolicy
	expirySkew time.Duration
	clock      pipeline.Clock
	logger     *zap.Logger
}

// Options configures a Manager.
type Options struct {
	Service    string
	Store      TokenStore
	Boot       Bootstrapper
	Refresher  Refresher
	Validator  Validator
	Retry      *pipeline.RetryPolicy
	ExpirySkew time.Duration
	Clock      pipeline.Clock
	Logger     *zap.Logger
}

// NewManager builds a Manager in the absent state.
func NewManager(opts Options) (*Manager, error) {
	if opts.Service == "" {
		return nil, fmt.Errorf("credential service is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("credential token store is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("credential clock is required")
	}
	if opts.Retry == nil {
		opts.Retry = pipeline.NewRetryPolicy(3, 500*time.Millisecond, 10*time.Second)
	}
	if opts.ExpirySkew <= 0 {
		opts.ExpirySkew = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		service:    opts.Service,
		state:      StateAbsent,
		store:      opts.Store,
		boot:       opts.Boot,
		refresher:  opts.Refresher,
		validator:  opts.Validator,
		retry:      opts.Retry,
		expirySkew: opts.ExpirySkew,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Obtain loads persisted material or runs the bootstrap flow. It is called
// at process start; sessions never survive a restart.
func (m *Manager) Obtain(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateObtaining

	if mat, ok, err := m.store.Load(ctx, m.service); err != nil {
		m.state = StateAbsent
		return fmt.Errorf("load credential: %w", err)
	} else if ok {
		m.material = mat
		m.state = m.stateForExpiry(mat)
		m.logger.Info("credential loaded from store",
			zap.String("service", m.service),
			zap.String("state", string(m.state)),
		)
		return nil
	}

	if m.boot == nil {
		m.state = StateAbsent
		return fmt.Errorf("no stored credential for %s and no bootstrapper configured: %w",
			m.service, pipeline.ErrCredentialUnavailable)
	}
	mat, err := m.boot.Bootstrap(ctx, m.service)
	if err != nil {
		m.state = StateAbsent
		return fmt.Errorf("bootstrap credential for %s: %w", m.service, err)
	}
	if err := m.store.Save(ctx, mat); err != nil {
		m.state = StateAbsent
		return fmt.Errorf("persist credential: %w", err)
	}
	m.material = mat
	m.state = StateValid
	m.logger.Info("credential bootstrapped", zap.String("service", m.service))
	return nil
}

// ActiveHandle returns a validated handle. It transparently refreshes when
// validation fails and surfaces ErrCredentialUnavailable once the capped
// retries are exhausted; the caller never crashes on a refresh failure.
func (m *Manager) ActiveHandle(ctx context.Context) (pipeline.CredentialHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateAbsent, StateObtaining:
		return nil, fmt.Errorf("credential for %s not obtained: %w", m.service, pipeline.ErrCredentialUnavailable)
	case StateInvalid:
		return nil, fmt.Errorf("credential for %s requires re-bootstrap: %w", m.service, pipeline.ErrCredentialUnavailable)
	}

	if err := m.validateLocked(ctx); err != nil {
		m.logger.Warn("credential validation failed, refreshing",
			zap.String("service", m.service),
			zap.Error(err),
		)
		if err := m.refreshLocked(ctx); err != nil {
			m.state = StateInvalid
			return nil, fmt.Errorf("refresh credential for %s: %w: %w",
				m.service, err, pipeline.ErrCredentialUnavailable)
		}
	}

	return handle{
		service:  m.service,
		identity: m.material.Identity,
		secret:   m.material.AccessToken,
	}, nil
}

// Invalidate discards the live material; the next ActiveHandle fails until
// Obtain runs again. Used on graceful shutdown and explicit restart.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.material = Material{}
	m.state = StateAbsent
	m.logger.Info("credential invalidated", zap.String("service", m.service))
}

func (m *Manager) validateLocked(ctx context.Context) error {
	now := m.clock.Now()
	if !m.material.ExpiresAt.IsZero() {
		if !now.Before(m.material.ExpiresAt) {
			return &pipeline.AuthExpiredError{Service: m.service, Err: fmt.Errorf("expired at %s", m.material.ExpiresAt)}
		}
		if now.Add(m.expirySkew).After(m.material.ExpiresAt) {
			m.state = StateExpiringSoon
		} else {
			m.state = StateValid
		}
	}
	if m.validator == nil {
		return nil
	}
	return m.validator.Validate(ctx, m.material)
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	if m.refresher == nil {
		return fmt.Errorf("no refresher configured")
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		mat, err := m.refresher.Refresh(ctx, m.material)
		if err == nil {
			if saveErr := m.store.Save(ctx, mat); saveErr != nil {
				return fmt.Errorf("persist refreshed credential: %w", saveErr)
			}
			m.material = mat
			m.state = StateValid
			m.logger.Info("credential refreshed", zap.String("service", m.service))
			return nil
		}
		lastErr = err
		if !m.retry.ShouldRetry(err, attempt+1) {
			break
		}
		m.logger.Warn("credential refresh failed, backing off",
			zap.String("service", m.service),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if waitErr := m.retry.Wait(ctx, attempt); waitErr != nil {
			return waitErr
		}
	}
	return lastErr
}

func (m *Manager) stateForExpiry(mat Material) State {
	if mat.ExpiresAt.IsZero() {
		return StateValid
	}
	now := m.clock.Now()
	if !now.Before(mat.ExpiresAt) {
		// Stale on disk; a refresh happens on first use.
		return StateExpiringSoon
	}
	if now.Add(m.expirySkew).After(mat.ExpiresAt) {
		return StateExpiringSoon
	}
	return StateValid
}

type handle struct {
	service  string
	identity string
	secret   string
}

func (h handle) Service() string  { return h.service }
func (h handle) Identity() string { return h.identity }
func (h handle) Secret() string   { return h.secret }
