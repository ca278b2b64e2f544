// Package memory provides an in-memory Publisher for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// Published is one recorded publish call.
type Published struct {
	PayloadURI string
	Metadata   pipeline.Metadata
	Identity   string
	RemoteID   string
}

// Publisher records publishes instead of uploading anywhere.
type Publisher struct {
	mu        sync.Mutex
	published []Published
	updates   map[string]pipeline.Metadata
	failWith  error
}

// New creates an empty in-memory publisher.
func New() *Publisher {
	return &Publisher{updates: make(map[string]pipeline.Metadata)}
}

// FailWith makes every subsequent call return err. Pass nil to heal.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Publish records the call and returns a fresh remote id.
func (p *Publisher) Publish(_ context.Context, payloadURI string, meta pipeline.Metadata, cred pipeline.CredentialHandle) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	id := uuid.NewString()
	identity := ""
	if cred != nil {
		identity = cred.Identity()
	}
	p.published = append(p.published, Published{
		PayloadURI: payloadURI,
		Metadata:   meta,
		Identity:   identity,
		RemoteID:   id,
	})
	return id, nil
}

// UpdateMetadata records a metadata edit for a previously published item.
func (p *Publisher) UpdateMetadata(_ context.Context, remoteID string, meta pipeline.Metadata, _ pipeline.CredentialHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	found := false
	for _, pub := range p.published {
		if pub.RemoteID == remoteID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown remote id %q", remoteID)
	}
	p.updates[remoteID] = meta
	return nil
}

// Published returns a copy of the recorded publishes.
func (p *Publisher) PublishedItems() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.published...)
}

// Updates returns the recorded metadata edits keyed by remote id.
func (p *Publisher) Updates() map[string]pipeline.Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]pipeline.Metadata, len(p.updates))
	for k, v := range p.updates {
		out[k] = v
	}
	return out
}
