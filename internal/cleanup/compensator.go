package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Deleter removes stored objects on the origin.
type Deleter interface {
	Delete(ctx context.Context, fileKey string, isVideo bool) error
	DeleteForm(ctx context.Context, fileKey string, isVideo bool) error
}

// Compensator issues best-effort deletes for objects the user abandoned. It is
// not transactional: a failed delete is logged and left to the origin's
// Sweeper.
type Compensator struct {
	origin        Deleter
	beaconTimeout time.Duration
	log           zerolog.Logger
}

// NewCompensator creates a Compensator.
func NewCompensator(origin Deleter, beaconTimeout time.Duration, log zerolog.Logger) *Compensator {
	if beaconTimeout <= 0 {
		beaconTimeout = 2 * time.Second
	}
	return &Compensator{origin: origin, beaconTimeout: beaconTimeout, log: log}
}

// DeleteRemoteObject deletes key. Errors are logged, never returned.
func (c *Compensator) DeleteRemoteObject(ctx context.Context, key string, isVideo bool) {
	if key == "" {
		return
	}
	log := c.log.With().Str("file_key", key).Bool("is_video", isVideo).Logger()
	if err := c.origin.Delete(ctx, key, isVideo); err != nil {
		log.Error().Err(err).Msg("failed to delete remote object, leaving for reconciliation")
		return
	}
	log.Info().Msg("deleted remote object")
}

// Beacon fires a form-encoded delete without blocking the caller. The returned
// channel closes when the attempt settles; callers may ignore it.
func (c *Compensator) Beacon(key string, isVideo bool) <-chan struct{} {
	done := make(chan struct{})
	if key == "" {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), c.beaconTimeout)
		defer cancel()

		if err := c.origin.DeleteForm(ctx, key, isVideo); err != nil {
			c.log.Warn().Err(err).Str("file_key", key).Msg("unload beacon failed")
			return
		}
		c.log.Debug().Str("file_key", key).Msg("unload beacon delivered")
	}()
	return done
}
