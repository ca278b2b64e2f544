package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

func TestLedgerStoreAppendInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLedgerStoreWithPool(mock, "ledger_entries")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	entry := pipeline.LedgerEntry{
		Fingerprint: "fp-1",
		RecordedAt:  now,
		Outcome:     pipeline.OutcomeSuccess,
	}

	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs("fp-1", now, string(pipeline.OutcomeSuccess)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Append(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStoreAppendConflictIsSilent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLedgerStoreWithPool(mock, "ledger_entries")
	require.NoError(t, err)

	// ON CONFLICT DO NOTHING reports zero rows affected; that is success.
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs("fp-1", pgxmock.AnyArg(), string(pipeline.OutcomeSuccess)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	entry := pipeline.LedgerEntry{Fingerprint: "fp-1", Outcome: pipeline.OutcomeSuccess}
	require.NoError(t, store.Append(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStoreHas(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLedgerStoreWithPool(mock, "ledger_entries")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("fp-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	has, err := store.Has(context.Background(), "fp-1")
	require.NoError(t, err)
	require.True(t, has)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStoreCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLedgerStoreWithPool(mock, "ledger_entries")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(42))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStoreRejectsBadTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewLedgerStoreWithPool(mock, "ledger; DROP TABLE users")
	require.Error(t, err)
}
