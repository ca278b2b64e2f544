package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// Hub broadcasts events to every registered sink. Emit never fails; a sink
// that errors is the sink's problem to log.
type Hub struct {
	mu     sync.RWMutex
	sinks  []Sink
	clock  pipeline.Clock
	logger *zap.Logger
}

// NewHub builds a hub with the given sinks.
func NewHub(clock pipeline.Clock, logger *zap.Logger, sinks ...Sink) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sinks:  append([]Sink(nil), sinks...),
		clock:  clock,
		logger: logger,
	}
}

// Register adds a sink after construction.
func (h *Hub) Register(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Emit timestamps the event and fans it out.
func (h *Hub) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() && h.clock != nil {
		ev.At = h.clock.Now()
	}
	h.mu.RLock()
	sinks := h.sinks
	h.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(ctx, ev)
	}
}
