package memory

import (
	"context"
	"sync"
	"time"
)

// ScheduleStore keeps trigger fire times in a map.
type ScheduleStore struct {
	mu    sync.Mutex
	fired map[string]time.Time
}

// NewScheduleStore constructs an empty schedule store.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{
		fired: make(map[string]time.Time),
	}
}

// LastFired returns the last recorded fire time for the trigger, if any.
func (s *ScheduleStore) LastFired(_ context.Context, name string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.fired[name]
	return t, ok, nil
}

// SetLastFired durably records the trigger's fire time.
func (s *ScheduleStore) SetLastFired(_ context.Context, name string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fired[name] = t
	return nil
}

// Close is a no-op for the in-memory store.
func (s *ScheduleStore) Close() {}
