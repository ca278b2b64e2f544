// Package memory provides a channel-backed chat Transport for tests and
// local runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// Transport delivers commands from an in-process channel and collects sent
// responses.
type Transport struct {
	mu       sync.Mutex
	incoming chan pipeline.Command
	outbox   []pipeline.Response
}

// New creates a Transport with a buffered inbox.
func New(buffer int) *Transport {
	if buffer <= 0 {
		buffer = 16
	}
	return &Transport{incoming: make(chan pipeline.Command, buffer)}
}

// Inject queues a command as if an operator had sent it. The arrival time
// is stamped here, the transport boundary, unless the caller set one.
func (t *Transport) Inject(cmd pipeline.Command) {
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = time.Now()
	}
	t.incoming <- cmd
}

// Receive blocks until a command arrives or ctx is cancelled.
func (t *Transport) Receive(ctx context.Context) (pipeline.Command, error) {
	select {
	case <-ctx.Done():
		return pipeline.Command{}, ctx.Err()
	case cmd := <-t.incoming:
		return cmd, nil
	}
}

// Send records the response.
func (t *Transport) Send(_ context.Context, resp pipeline.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outbox = append(t.outbox, resp)
	return nil
}

// Outbox returns a copy of everything sent so far.
func (t *Transport) Outbox() []pipeline.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]pipeline.Response(nil), t.outbox...)
}
