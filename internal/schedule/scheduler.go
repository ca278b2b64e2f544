// Package schedule runs the daily wall-clock triggers. Firing state is
// durable so a restarted process never double-fires a slot it already ran.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "15:04" strings.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, &pipeline.ConfigurationError{
			Field:  "schedule.time",
			Reason: fmt.Sprintf("%q is not a valid HH:MM time", s),
		}
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// On anchors the time of day onto the given date in its location.
func (t TimeOfDay) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, 0, 0, day.Location())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Trigger is a named daily slot bound to an action.
type Trigger struct {
	Name   string
	At     TimeOfDay
	Action func(ctx context.Context) error
}

// FiringStore records the last fire time per trigger durably.
type FiringStore interface {
	LastFired(ctx context.Context, name string) (time.Time, bool, error)
	SetLastFired(ctx context.Context, name string, at time.Time) error
}

// Options configures a Scheduler.
type Options struct {
	Triggers    []Trigger
	Store       FiringStore
	Clock       pipeline.Clock
	WakeEvery   time.Duration
	GraceWindow time.Duration
	Logger      *zap.Logger
}

// Scheduler fires each trigger at most once per day at its slot. The action
// runs before the durable last-fired update, so a crash between the two
// refires that slot at most once more when the process restarts within the
// grace window. A restart later than that marks the slot missed instead of
// firing it hours late, which narrows the refire guarantee: a slot whose
// mark was lost in a crash AND whose restart falls outside the grace window
// is skipped, and the skip is logged.
type Scheduler struct {
	triggers []Trigger
	store    FiringStore
	clock    pipeline.Clock
	wake     time.Duration
	grace    time.Duration
	logger   *zap.Logger
}

// New builds a Scheduler. Triggers are sorted by slot so same-tick firings
// run in wall-clock order.
func New(opts Options) (*Scheduler, error) {
	if len(opts.Triggers) == 0 {
		return nil, fmt.Errorf("scheduler needs at least one trigger")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler firing store is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("scheduler clock is required")
	}
	seen := make(map[string]struct{}, len(opts.Triggers))
	for _, trig := range opts.Triggers {
		if trig.Name == "" || trig.Action == nil {
			return nil, fmt.Errorf("trigger needs a name and an action")
		}
		if _, dup := seen[trig.Name]; dup {
			return nil, fmt.Errorf("duplicate trigger %q", trig.Name)
		}
		seen[trig.Name] = struct{}{}
	}
	if opts.WakeEvery <= 0 {
		opts.WakeEvery = time.Minute
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	triggers := append([]Trigger(nil), opts.Triggers...)
	sort.SliceStable(triggers, func(i, j int) bool {
		a, b := triggers[i].At, triggers[j].At
		if a.Hour != b.Hour {
			return a.Hour < b.Hour
		}
		return a.Minute < b.Minute
	})
	return &Scheduler{
		triggers: triggers,
		store:    opts.Store,
		clock:    opts.Clock,
		wake:     opts.WakeEvery,
		grace:    opts.GraceWindow,
		logger:   opts.Logger,
	}, nil
}

// Run wakes on a coarse ticker and fires whatever is due. It returns when
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.wake)
	defer ticker.Stop()
	s.FireDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.FireDue(ctx)
		}
	}
}

// FireDue evaluates every trigger against the current time and fires the
// due ones. Slots whose window passed while the process was down are
// skipped with a warning; there is no catch-up queue.
func (s *Scheduler) FireDue(ctx context.Context) {
	now := s.clock.Now()
	for _, trig := range s.triggers {
		slot := trig.At.On(now)
		if now.Before(slot) {
			continue
		}
		last, ok, err := s.store.LastFired(ctx, trig.Name)
		if err != nil {
			s.logger.Error("read last fire time", zap.String("trigger", trig.Name), zap.Error(err))
			continue
		}
		if ok && !last.Before(slot) {
			continue
		}
		if now.Sub(slot) > s.grace {
			s.logger.Warn("slot missed, skipping",
				zap.String("trigger", trig.Name),
				zap.Time("slot", slot),
				zap.Duration("late_by", now.Sub(slot)),
			)
			if err := s.store.SetLastFired(ctx, trig.Name, now); err != nil {
				s.logger.Error("mark missed slot", zap.String("trigger", trig.Name), zap.Error(err))
			}
			continue
		}
		s.fire(ctx, trig, slot)
	}
}

func (s *Scheduler) fire(ctx context.Context, trig Trigger, slot time.Time) {
	s.logger.Info("firing trigger", zap.String("trigger", trig.Name), zap.Time("slot", slot))
	if err := trig.Action(ctx); err != nil {
		s.logger.Error("trigger action failed", zap.String("trigger", trig.Name), zap.Error(err))
	}
	// Durable mark happens after the action; see Scheduler doc for the
	// resulting at-most-once-extra semantics.
	if err := s.store.SetLastFired(ctx, trig.Name, s.clock.Now()); err != nil {
		s.logger.Error("persist last fire time", zap.String("trigger", trig.Name), zap.Error(err))
	}
}
