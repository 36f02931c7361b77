package cleanup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/middleware"
)

const sweepBatch = 100

// StaleLister lists and removes ledger rows that were never submitted.
type StaleLister interface {
	ListStale(ctx context.Context, openAge, tombstoneAge time.Duration, limit int) ([]*domain.Upload, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// RawDeleter removes raw objects from storage.
type RawDeleter interface {
	DeleteRawObject(ctx context.Context, objectKey string) error
}

// Sweeper reconciles objects whose client-side delete never arrived: open
// uploads older than PendingMaxAge and tombstones older than TombstoneMaxAge.
type Sweeper struct {
	repo         StaleLister
	s3           RawDeleter
	interval     time.Duration
	openAge      time.Duration
	tombstoneAge time.Duration
	log          zerolog.Logger
}

// NewSweeper creates a new Sweeper.
func NewSweeper(repo StaleLister, s3 RawDeleter, cfg *config.Origin, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		repo:         repo,
		s3:           s3,
		interval:     cfg.SweepInterval,
		openAge:      cfg.PendingMaxAge,
		tombstoneAge: cfg.TombstoneMaxAge,
		log:          log.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("sweeper started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes one batch of stale uploads and returns how many rows it
// deleted. A row whose object could not be deleted is kept for the next pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	uploads, err := s.repo.ListStale(ctx, s.openAge, s.tombstoneAge, sweepBatch)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list stale uploads")
		return 0
	}
	if len(uploads) == 0 {
		s.log.Debug().Msg("no stale uploads found")
		return 0
	}

	removed := 0
	for _, u := range uploads {
		log := s.log.With().Str("id", u.ID.String()).Str("status", string(u.Status)).Logger()

		// DELETED rows already had their object removed by the delete endpoint.
		if u.Status != domain.StatusDeleted && u.ObjectKey != "" {
			if err := s.s3.DeleteRawObject(ctx, u.ObjectKey); err != nil {
				log.Error().Err(err).Str("key", u.ObjectKey).Msg("failed to delete raw object")
				continue
			}
		}

		if err := s.repo.Delete(ctx, u.ID); err != nil {
			log.Error().Err(err).Msg("failed to delete upload record")
			continue
		}
		removed++
		middleware.UploadEvents.WithLabelValues("swept", string(u.Kind)).Inc()
		log.Info().Msg("swept stale upload")
	}

	s.log.Info().Int("found", len(uploads)).Int("removed", removed).Msg("sweep finished")
	return removed
}
