// Package localdb opens the device-local SQLite database and applies the
// embedded goose migrations.
package localdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/podsync/internal/client/migrations"
	"github.com/dmitrijs2005/podsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/podsync/internal/client/repositories/snapshots"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

type Repositories struct {
	DB        *sql.DB
	Metadata  metadata.Repository
	Snapshots *snapshots.Store
}

// Close stops the snapshot dispatcher and closes the database.
func (r *Repositories) Close() error {
	r.Snapshots.Close()
	return r.DB.Close()
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// InitDatabase opens the SQLite database at dsn and migrates it.
func InitDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer keeps modernc sqlite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Open initializes the database and wires the repositories over it.
func Open(ctx context.Context, dsn string) (*Repositories, error) {
	db, err := InitDatabase(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Repositories{
		DB:        db,
		Metadata:  metadata.NewSQLiteRepository(db),
		Snapshots: snapshots.NewStore(db),
	}, nil
}
