package families

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/dbx"
	"github.com/dmitrijs2005/podsync/internal/server/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get returns the entry of familyID or common.ErrorNotFound.
func (r *PostgresRepository) Get(ctx context.Context, familyID string) (*models.Family, error) {
	query :=
		`SELECT id, provider, file_id, display_path, family_name, updated_at FROM families
		 WHERE id = $1
		 `

	f := &models.Family{}
	err := r.db.QueryRowContext(ctx, query, familyID).
		Scan(&f.ID, &f.Provider, &f.FileID, &f.DisplayPath, &f.FamilyName, &f.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return f, nil
}

// Upsert stores family, replacing any previous entry with the same id.
func (r *PostgresRepository) Upsert(ctx context.Context, family *models.Family) error {
	query := `
		INSERT INTO families (id, provider, file_id, display_path, family_name, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id)
		DO UPDATE SET
			provider = EXCLUDED.provider,
			file_id = EXCLUDED.file_id,
			display_path = EXCLUDED.display_path,
			family_name = EXCLUDED.family_name,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		family.ID, family.Provider, family.FileID, family.DisplayPath, family.FamilyName, family.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Delete removes the entry of familyID. Deleting a missing entry is not an
// error.
func (r *PostgresRepository) Delete(ctx context.Context, familyID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM families WHERE id = $1`, familyID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
