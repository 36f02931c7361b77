package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/events"
	"github.com/baechuer/cityevents/services/media-uploader/internal/variants"
)

// Submit finalizes the upload. The guard is suspended, the AI job and the
// variant await are joined, and the form is posted. On success the redirect
// is performed once; on failure the session returns to TRANSFERRED with the
// guard re-armed.
func (o *Orchestrator) Submit(ctx context.Context, form Form) (string, error) {
	o.mu.Lock()
	s := o.cur
	if s == nil || s.phase != domain.PhaseTransferred ||
		!domain.SubmitAllowed(s.moderation.Status, s.aiJobID, s.submitting) {
		o.mu.Unlock()
		return "", domain.ErrSubmitNotAllowed
	}
	epoch := s.epoch
	s.phase = domain.PhaseSubmitting
	s.submitting = true
	s.lastErr = nil
	waiter, gen := s.waiter, s.variants
	o.mu.Unlock()

	s.guard.Suspend()
	s.log.Info().Msg("submitting")
	o.bus.Publish(events.Event{Type: events.Submitting, SessionID: s.id})

	if waiter == nil {
		return "", o.submitFailed(epoch, domain.ErrAIJobMissing)
	}
	// A second click after a failed wait is the explicit retry.
	if waiter.Settled() && waiter.Err() != nil {
		if err := waiter.Restart(s.ctx); err != nil {
			return "", o.submitFailed(epoch, err)
		}
	}

	var vr variants.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if !waiter.WaitForCompletion(gctx) {
			if err := waiter.Err(); err != nil {
				return err
			}
			return domain.ErrAIJobTimeout
		}
		return nil
	})
	g.Go(func() error {
		if gen != nil {
			vr = gen.AwaitIfNeeded(gctx, o.cfg.VariantAwaitTimeout)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", o.submitFailed(epoch, err)
	}

	o.mu.Lock()
	if o.session(epoch) == nil {
		o.mu.Unlock()
		return "", context.Canceled
	}
	fields := fieldsFor(s, form, vr)
	o.mu.Unlock()

	resp, err := o.origin.Submit(ctx, fields)
	if err != nil {
		return "", o.submitFailed(epoch, fmt.Errorf("%w: %w", domain.ErrSubmitFailed, err))
	}

	o.mu.Lock()
	if o.session(epoch) == nil {
		o.mu.Unlock()
		return "", context.Canceled
	}
	s.phase = domain.PhaseDone
	s.submitting = false
	s.remote = nil
	o.mu.Unlock()

	s.guard.Deactivate()
	if waiter != nil {
		waiter.Stop()
	}
	s.log.Info().Str("redirect_url", resp.RedirectURL).Msg("submitted")
	o.bus.Publish(events.Event{Type: events.Submitted, SessionID: s.id, Redirect: resp.RedirectURL})
	o.redirect(resp.RedirectURL)
	return resp.RedirectURL, nil
}

func (o *Orchestrator) submitFailed(epoch uint64, err error) error {
	o.mu.Lock()
	s := o.session(epoch)
	if s == nil {
		o.mu.Unlock()
		return err
	}
	s.phase = domain.PhaseTransferred
	s.submitting = false
	s.lastErr = err
	o.mu.Unlock()

	s.guard.Resume()
	s.log.Warn().Err(err).Msg("submit failed")
	o.bus.Publish(events.Event{Type: events.SubmitError, SessionID: s.id, Message: domain.UserMessage(err), Err: err})
	return err
}
