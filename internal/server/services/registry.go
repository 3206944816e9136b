// Package services holds the registry and relay logic behind the HTTP API.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/server/models"
	"github.com/dmitrijs2005/podsync/internal/server/repositories/repomanager"
)

var providers = map[string]struct{}{"local": {}, "cloud": {}, "s3": {}}

type RegistryService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	now         func() time.Time
}

func NewRegistryService(db *sql.DB, m repomanager.RepositoryManager) *RegistryService {
	return &RegistryService{db: db, repomanager: m, now: time.Now}
}

// Lookup returns the entry of familyID or common.ErrorNotFound.
func (s *RegistryService) Lookup(ctx context.Context, familyID string) (*models.Family, error) {
	return s.repomanager.Families(s.db).Get(ctx, familyID)
}

// Put validates and stores f under familyID. A zero UpdatedAt is stamped
// with the current time.
func (s *RegistryService) Put(ctx context.Context, familyID string, f *models.Family) error {
	if familyID == "" {
		return fmt.Errorf("%w: empty family id", common.ErrInvalidFormat)
	}
	if _, ok := providers[f.Provider]; !ok {
		return fmt.Errorf("%w: unknown provider %q", common.ErrInvalidFormat, f.Provider)
	}

	f.ID = familyID
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = s.now().UTC()
	}
	return s.repomanager.Families(s.db).Upsert(ctx, f)
}

func (s *RegistryService) Delete(ctx context.Context, familyID string) error {
	return s.repomanager.Families(s.db).Delete(ctx, familyID)
}
