package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/podsync/internal/dbx"
	"github.com/dmitrijs2005/podsync/internal/server/repositories/families"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Families(db dbx.DBTX) families.Repository
}
