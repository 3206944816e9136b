// Package families persists registry entries.
package families

import (
	"context"

	"github.com/dmitrijs2005/podsync/internal/server/models"
)

type Repository interface {
	Get(ctx context.Context, familyID string) (*models.Family, error)
	Upsert(ctx context.Context, family *models.Family) error
	Delete(ctx context.Context, familyID string) error
}
