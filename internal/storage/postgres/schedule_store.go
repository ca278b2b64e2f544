package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ScheduleStore persists per-trigger last-fired timestamps so the scheduler
// survives restarts without refiring completed triggers.
type ScheduleStore struct {
	pool  pgPool
	table string
}

// NewScheduleStoreWithPool constructs a store from an existing pool. The
// production path shares the ledger store's pool.
func NewScheduleStoreWithPool(pool pgPool, table string) (*ScheduleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "schedule_entries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ScheduleStore{pool: pool, table: table}, nil
}

// LastFired returns the last recorded fire time for the trigger, if any.
func (s *ScheduleStore) LastFired(ctx context.Context, name string) (time.Time, bool, error) {
	if s == nil || s.pool == nil {
		return time.Time{}, false, fmt.Errorf("schedule store is not configured")
	}
	query := fmt.Sprintf(`SELECT last_fired_at FROM %s WHERE name = $1`, s.table)
	var t time.Time
	err := s.pool.QueryRow(ctx, query, name).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query schedule entry: %w", err)
	}
	return t, true, nil
}

// SetLastFired upserts the trigger's fire time; the write is durable before
// the call returns.
func (s *ScheduleStore) SetLastFired(ctx context.Context, name string, t time.Time) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("schedule store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (name, last_fired_at)
VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET last_fired_at = EXCLUDED.last_fired_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, name, t); err != nil {
		return fmt.Errorf("upsert schedule entry: %w", err)
	}
	return nil
}
