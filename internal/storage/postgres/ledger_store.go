// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// LedgerStoreConfig controls the Postgres connection pool used for ledger
// rows.
type LedgerStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// LedgerStore writes dedup entries into Postgres. The fingerprint column is
// the primary key, so appends are idempotent at the database level and a row
// is durable before Append returns.
type LedgerStore struct {
	pool  pgPool
	table string
}

// NewLedgerStore creates a Postgres-backed LedgerStore using the provided
// config.
func NewLedgerStore(ctx context.Context, cfg LedgerStoreConfig) (*LedgerStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "ledger_entries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	pool, err := Connect(ctx, PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	return &LedgerStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewLedgerStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewLedgerStoreWithPool(pool pgPool, table string) (*LedgerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "ledger_entries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &LedgerStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Append inserts a ledger entry. An existing fingerprint is left untouched.
func (s *LedgerStore) Append(ctx context.Context, entry pipeline.LedgerEntry) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("ledger store is not configured")
	}
	if entry.Fingerprint == "" {
		return fmt.Errorf("fingerprint is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (fingerprint, recorded_at, outcome)
VALUES ($1, $2, $3)
ON CONFLICT (fingerprint) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, string(entry.Fingerprint), entry.RecordedAt, string(entry.Outcome)); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// Has reports whether the fingerprint was recorded.
func (s *LedgerStore) Has(ctx context.Context, fp pipeline.Fingerprint) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("ledger store is not configured")
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE fingerprint = $1)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, string(fp)).Scan(&exists); err != nil {
		return false, fmt.Errorf("query ledger entry: %w", err)
	}
	return exists, nil
}

// Count returns the number of recorded fingerprints.
func (s *LedgerStore) Count(ctx context.Context) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("ledger store is not configured")
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	var count int
	if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return count, nil
}
