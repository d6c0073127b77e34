package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	st, err := NewPostgresStore(sqlxDB, nil)
	require.NoError(t, err)
	return st, mock
}

func TestPostgresStorePutUsesUpsert(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO durable_kv")).
		WithArgs("tasks_active", "t-1", []byte("payload")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := st.Put(ctx, "tasks_active", "t-1", []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetMissReturnsNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM durable_kv")).
		WithArgs("tasks_active", "missing").
		WillReturnError(sql.ErrNoRows)

	_, found, err := st.Get(ctx, "tasks_active", "missing")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetUsesCacheOnSecondCall(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"value"}).AddRow([]byte("cached"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM durable_kv")).
		WithArgs("tasks_active", "t-1").
		WillReturnRows(rows)

	v, found, err := st.Get(ctx, "tasks_active", "t-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "cached", string(v))

	// Second Get should be served from the LRU cache, not issue
	// another query.
	v, found, err = st.Get(ctx, "tasks_active", "t-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "cached", string(v))

	require.NoError(t, mock.ExpectationsWereMet())
}
