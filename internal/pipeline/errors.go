package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors surfaced at the orchestration boundary.
var (
	// ErrBusy is returned when a pipeline run is triggered while another is
	// already in flight; the second trigger coalesces into a no-op.
	ErrBusy = errors.New("pipeline run already in flight")

	// ErrCredentialUnavailable means refresh failed after all retries and an
	// operator must re-bootstrap the credential.
	ErrCredentialUnavailable = errors.New("credential unavailable")

	// ErrUnauthorized rejects a command from an issuer outside the allow-list.
	ErrUnauthorized = errors.New("unauthorized")
)

// TransientError wraps a network/timeout style failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthExpiredError signals that the upstream session or token silently
// expired; it triggers the credential/session relogin flow.
type AuthExpiredError struct {
	Service string
	Err     error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("auth expired for %s: %v", e.Service, e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// PermanentItemError marks a candidate as unusable. The item is skipped; the
// orchestrator decides per policy whether to blacklist its fingerprint.
type PermanentItemError struct {
	Fingerprint Fingerprint
	Reason      string
}

func (e *PermanentItemError) Error() string {
	return fmt.Sprintf("item %s is unusable: %s", e.Fingerprint, e.Reason)
}

// ConfigurationError reports an invalid source or schedule entry to the
// operator; there is no automatic recovery.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// IsTransient reports whether err should be treated as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuthExpired reports whether err indicates an expired session or token.
func IsAuthExpired(err error) bool {
	var ae *AuthExpiredError
	return errors.As(err, &ae)
}

// IsPermanent reports whether err marks the candidate as unusable.
func IsPermanent(err error) bool {
	var pe *PermanentItemError
	return errors.As(err, &pe)
}

// Classify translates a raw collaborator error into the pipeline taxonomy.
// Timeouts and network errors become TransientError; already-classified
// errors pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsAuthExpired(err) || IsPermanent(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Op: op, Err: err}
	}
	return &TransientError{Op: op, Err: err}
}
