package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSQLStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(sqlx.NewDb(db, "postgres"), DialectPostgres), mock
}

func TestSQLStore_PostgresQueries(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockSQLStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runtime_state`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO runtime_state .* VALUES \(\$1, \$2, \$3\)`).
		WithArgs("kill:BTCUSDT", "true", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT value FROM runtime_state WHERE key = \$1`).
		WithArgs("kill:BTCUSDT").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("true"))
	mock.ExpectQuery(`SELECT value FROM runtime_state WHERE key = \$1`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectQuery(`CAST\(CAST\(runtime_state.value AS BIGINT\) \+ CAST\(\$4 AS BIGINT\) AS TEXT\)`).
		WithArgs("counter:orders:BTCUSDT", "2", sqlmock.AnyArg(), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("9"))
	mock.ExpectExec(`DELETE FROM runtime_state WHERE key = \$1`).
		WithArgs("kill:BTCUSDT").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Set(ctx, "kill:BTCUSDT", "true"))

	v, ok, err := s.Get(ctx, "kill:BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	_, ok, err = s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Incr(ctx, "counter:orders:BTCUSDT", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	require.NoError(t, s.Delete(ctx, "kill:BTCUSDT"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLStore(ctx, DialectSQLite, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "position:ETHUSDT", "BUY"))
	require.NoError(t, s.Set(ctx, "position:ETHUSDT", "SELL"))
	v, ok, err := s.Get(ctx, "position:ETHUSDT")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SELL", v)

	n, err := s.Incr(ctx, "counter:orders:ETHUSDT", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.Incr(ctx, "counter:orders:ETHUSDT", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.NoError(t, s.Delete(ctx, "position:ETHUSDT"))
	_, ok, err = s.Get(ctx, "position:ETHUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenSQLStore_RejectsUnknownDialect(t *testing.T) {
	_, err := OpenSQLStore(context.Background(), "mysql", "dsn")
	assert.Error(t, err)
}
