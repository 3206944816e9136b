package metadata

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE metadata (
  key        TEXT PRIMARY KEY,
  value      BLOB,
  updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`)
	require.NoError(t, err)
	return db
}

func TestSetGetDelete(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	v, err := r.Get(ctx, "provider:fam-A")
	require.NoError(t, err)
	assert.Nil(t, v, "missing key")

	require.NoError(t, r.Set(ctx, "provider:fam-A", []byte(`{"type":"local"}`)))
	require.NoError(t, r.Set(ctx, "offline:fam-A", []byte("old")))
	require.NoError(t, r.Set(ctx, "offline:fam-A", []byte("new")))

	v, err = r.Get(ctx, "provider:fam-A")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"type":"local"}`), v)

	v, err = r.Get(ctx, "offline:fam-A")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)

	require.NoError(t, r.Delete(ctx, "offline:fam-A"))
	require.NoError(t, r.Delete(ctx, "offline:fam-A"), "deleting twice is fine")
	v, err = r.Get(ctx, "offline:fam-A")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestGet_EmptyValueIsPresent(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "encryption:fam-A", nil))

	v, err := r.Get(ctx, "encryption:fam-A")
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Empty(t, v)
}

func TestEntries(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "provider:fam-B", []byte{0xBB}))
	require.NoError(t, r.Set(ctx, "provider:fam-A", []byte{0xAA}))
	require.NoError(t, r.Set(ctx, "trusted:fam-A", []byte{0x01}))
	require.NoError(t, r.Set(ctx, "provider_x", []byte{0x02}))

	got, err := r.Entries(ctx, "provider:")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "provider:fam-A", got[0].Key)
	assert.Equal(t, []byte{0xAA}, got[0].Value)
	assert.Equal(t, "provider:fam-B", got[1].Key)
	assert.WithinDuration(t, time.Now(), got[0].UpdatedAt, time.Minute)

	all, err := r.Entries(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestEntries_WildcardsAreLiteral(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "a_b", []byte{1}))
	require.NoError(t, r.Set(ctx, "axb", []byte{2}))
	require.NoError(t, r.Set(ctx, "a%c", []byte{3}))

	got, err := r.Entries(ctx, "a_")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a_b", got[0].Key)

	got, err = r.Entries(ctx, "a%")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a%c", got[0].Key)
}

func TestErrorsAreWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT value FROM metadata`).WillReturnError(sql.ErrConnDone)
	_, err = r.Get(ctx, "k")
	require.ErrorIs(t, err, sql.ErrConnDone)
	assert.ErrorContains(t, err, `metadata get "k"`)

	mock.ExpectExec(`INSERT INTO metadata`).WillReturnError(sql.ErrConnDone)
	assert.ErrorContains(t, r.Set(ctx, "k", []byte("v")), `metadata set "k"`)

	mock.ExpectExec(`DELETE FROM metadata`).WillReturnError(sql.ErrConnDone)
	assert.ErrorContains(t, r.Delete(ctx, "k"), `metadata delete "k"`)

	mock.ExpectQuery(`SELECT key, value`).WillReturnError(sql.ErrConnDone)
	_, err = r.Entries(ctx, "provider:")
	assert.ErrorContains(t, err, `metadata entries "provider:"`)

	require.NoError(t, mock.ExpectationsWereMet())
}
