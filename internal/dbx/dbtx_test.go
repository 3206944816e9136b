package dbx

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE records (id TEXT PRIMARY KEY, collection TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

func count(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n))
	return n
}

func insert(ctx context.Context, tx DBTX, id string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO records (id, collection) VALUES (?, 'todos')`, id)
	return err
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits", func(t *testing.T) {
		db := openDB(t)
		err := WithTx(ctx, db, nil, func(ctx context.Context, tx DBTX) error {
			if err := insert(ctx, tx, "a"); err != nil {
				return err
			}
			return insert(ctx, tx, "b")
		})
		require.NoError(t, err)
		assert.Equal(t, 2, count(t, db))
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db := openDB(t)
		boom := errors.New("boom")
		err := WithTx(ctx, db, nil, func(ctx context.Context, tx DBTX) error {
			require.NoError(t, insert(ctx, tx, "a"))
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 0, count(t, db))
	})

	t.Run("rolls back on panic", func(t *testing.T) {
		db := openDB(t)
		require.PanicsWithValue(t, "kaput", func() {
			_ = WithTx(ctx, db, nil, func(ctx context.Context, tx DBTX) error {
				require.NoError(t, insert(ctx, tx, "a"))
				panic("kaput")
			})
		})
		assert.Equal(t, 0, count(t, db))
	})

	t.Run("begin fails on a closed db", func(t *testing.T) {
		db := openDB(t)
		require.NoError(t, db.Close())
		err := WithTx(ctx, db, nil, func(context.Context, DBTX) error { return nil })
		require.ErrorContains(t, err, "begin tx")
	})
}

func TestWithTx_JoinsRollbackFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback().WillReturnError(errors.New("disk gone"))

	boom := errors.New("boom")
	err = WithTx(context.Background(), db, nil, func(context.Context, DBTX) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "rollback: disk gone")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("locked"))

	err = WithTx(context.Background(), db, nil, func(context.Context, DBTX) error { return nil })
	require.ErrorContains(t, err, "commit tx: locked")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecCount(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, insert(ctx, db, "a"))
	require.NoError(t, insert(ctx, db, "b"))

	n, err := ExecCount(ctx, db, `DELETE FROM records WHERE id = ?`, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = ExecCount(ctx, db, `DELETE FROM records WHERE id = ?`, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = ExecCount(ctx, db, `DELETE FROM nowhere`)
	require.Error(t, err)
}
