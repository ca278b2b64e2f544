// Package events fans pipeline lifecycle events out to the configured
// sinks: logs, metrics, and optionally Pub/Sub.
package events

import (
	"context"
	"time"
)

// Kind names a lifecycle event.
type Kind string

// Event kinds emitted by the pipeline.
const (
	KindItemObserved    Kind = "item_observed"
	KindItemPublished   Kind = "item_published"
	KindItemBlacklisted Kind = "item_blacklisted"
	KindRunSkipped      Kind = "run_skipped"
	KindRunFailed       Kind = "run_failed"
	KindSessionState    Kind = "session_state"
	KindTriggerFired    Kind = "trigger_fired"
)

// Event is one pipeline lifecycle occurrence.
type Event struct {
	Kind        Kind              `json:"kind"`
	At          time.Time         `json:"at"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Source      string            `json:"source,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Sink consumes events. Sinks must not block the pipeline; slow delivery
// belongs inside the sink.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}
