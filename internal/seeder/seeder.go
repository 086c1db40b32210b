// Package seeder materializes the consent sources named in configuration.
// Seeded sources carry an AutoCreateID so the process finds its own rows
// across restarts instead of creating duplicates.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mailconsent/internal/consent/models"
	"mailconsent/internal/consent/store"
	"mailconsent/internal/platform/config"
)

// SourceStore defines the methods for ensuring seeded sources exist.
type SourceStore interface {
	CreateSource(ctx context.Context, source *models.Source) error
	SourceByAutoCreateID(ctx context.Context, autoCreateID string) (*models.Source, error)
}

// Seeder reconciles configured sources against the store at startup.
type Seeder struct {
	sources SourceStore
	logger  *slog.Logger
}

func New(sources SourceStore, logger *slog.Logger) *Seeder {
	return &Seeder{
		sources: sources,
		logger:  logger,
	}
}

// Ensure creates each configured source that does not exist yet. Existing
// sources are left untouched; the seed is a creation template, not a sync.
func (s *Seeder) Ensure(ctx context.Context, seeds []config.SourceSeed) error {
	var created int
	for _, seed := range seeds {
		if seed.AutoCreateID == "" {
			return fmt.Errorf("seed source %q has no id", seed.Name)
		}

		_, err := s.sources.SourceByAutoCreateID(ctx, seed.AutoCreateID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("look up seed source %q: %w", seed.AutoCreateID, err)
		}

		source := &models.Source{
			Name:                   seed.Name,
			Definition:             seed.Definition,
			RequiresConfirmedEmail: seed.RequiresConfirmedEmail,
			RequiresActiveUser:     seed.RequiresActiveUser,
			AutoCreateID:           seed.AutoCreateID,
		}
		if err := s.sources.CreateSource(ctx, source); err != nil {
			return fmt.Errorf("create seed source %q: %w", seed.AutoCreateID, err)
		}
		created++
		s.logger.Info("seeded consent source",
			"auto_create_id", seed.AutoCreateID,
			"source_id", source.ID,
		)
	}
	if created > 0 {
		s.logger.Info("consent sources seeded", "created", created)
	}
	return nil
}
