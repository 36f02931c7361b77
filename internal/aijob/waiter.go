// Package aijob waits for the asynchronous content-generation job attached to
// an upload and animates its progress.
package aijob

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/originclient"
	"github.com/baechuer/cityevents/services/media-uploader/internal/poll"
)

// Origin is the subset of the origin client the waiter needs.
type Origin interface {
	AIJob(ctx context.Context, id string) (*originclient.AIJobStatus, error)
}

// Options bound job polling.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration // backstop on a single wait
	Settle      time.Duration // pause at 100% before resolving
	Frame       time.Duration
}

// OptionsFromConfig extracts waiter options from client configuration.
func OptionsFromConfig(cfg *config.Client) Options {
	return Options{
		Interval:    cfg.AIPollInterval,
		MaxAttempts: cfg.AIPollAttempts,
		Timeout:     cfg.AIWaitTimeout,
		Settle:      cfg.AISettleDelay,
		Frame:       cfg.AnimationFrame,
	}
}

type run struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
	ok     bool
	err    error
}

// Waiter polls one job at a time. Reported progress never decreases and is
// forced to 100 before a successful wait resolves.
type Waiter struct {
	origin     Origin
	opts       Options
	onProgress func(int)
	log        zerolog.Logger
	anim       *Animator

	mu       sync.Mutex
	cur      *run
	progress int
}

// New creates an idle waiter. onProgress receives the server-reported value
// each time it advances; onDisplay receives eased values. Either may be nil.
func New(origin Origin, opts Options, onProgress, onDisplay func(int), log zerolog.Logger) *Waiter {
	if onProgress == nil {
		onProgress = func(int) {}
	}
	return &Waiter{
		origin:     origin,
		opts:       opts,
		onProgress: onProgress,
		log:        log,
		anim:       NewAnimator(opts.Frame, onDisplay),
	}
}

// Start begins polling jobID in the background. A previous job is stopped.
// Progress carries over when jobID is the job already being awaited.
func (w *Waiter) Start(ctx context.Context, jobID string) {
	w.Stop()

	ctx, cancel := context.WithCancel(ctx)
	r := &run{jobID: jobID, cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	same := w.cur != nil && w.cur.jobID == jobID
	w.cur = r
	if !same {
		w.progress = 0
	}
	w.mu.Unlock()

	if !same {
		w.anim.Reset()
	}
	w.anim.Start(ctx)

	go func() {
		defer close(r.done)
		ok, err := w.poll(ctx, r)
		w.mu.Lock()
		r.ok, r.err = ok, err
		w.mu.Unlock()
	}()
}

// Restart polls the current job again without rewinding its progress.
func (w *Waiter) Restart(ctx context.Context) error {
	w.mu.Lock()
	r := w.cur
	w.mu.Unlock()
	if r == nil {
		return domain.ErrAIJobMissing
	}
	w.Start(ctx, r.jobID)
	return nil
}

// Stop cancels polling and the animation and waits for both to exit.
func (w *Waiter) Stop() {
	w.mu.Lock()
	r := w.cur
	w.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
	}
	w.anim.Stop()
}

// WaitForCompletion blocks until the job completes (true) or fails, times out
// or ctx ends (false). The failure reason is available from Err.
func (w *Waiter) WaitForCompletion(ctx context.Context) bool {
	w.mu.Lock()
	r := w.cur
	w.mu.Unlock()
	if r == nil {
		return false
	}

	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		r.cancel()
		<-r.done
		w.mu.Lock()
		if !r.ok && (r.err == nil || errors.Is(r.err, context.Canceled)) {
			r.err = fmt.Errorf("%w: %w", domain.ErrAIJobTimeout, ctx.Err())
		}
		w.mu.Unlock()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return r.ok
}

// Settled reports whether the current job has finished either way.
func (w *Waiter) Settled() bool {
	w.mu.Lock()
	r := w.cur
	w.mu.Unlock()
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Err returns why the last wait failed, or nil.
func (w *Waiter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil {
		return domain.ErrAIJobMissing
	}
	return w.cur.err
}

// JobID returns the job being awaited.
func (w *Waiter) JobID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil {
		return ""
	}
	return w.cur.jobID
}

// Progress returns the last server-reported progress.
func (w *Waiter) Progress() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}

// Displayed returns the eased progress last shown.
func (w *Waiter) Displayed() int {
	return w.anim.Displayed()
}

func (w *Waiter) advance(p int) {
	p = clamp(p)
	w.mu.Lock()
	if p <= w.progress {
		w.mu.Unlock()
		return
	}
	w.progress = p
	w.mu.Unlock()

	w.anim.SetTarget(p)
	w.onProgress(p)
}

func (w *Waiter) poll(ctx context.Context, r *run) (bool, error) {
	log := w.log.With().Str("ai_job_id", r.jobID).Logger()

	policy := poll.Policy{Interval: w.opts.Interval, MaxAttempts: w.opts.MaxAttempts}
	err := poll.Until(ctx, policy, func(ctx context.Context, attempt int) (bool, error) {
		st, err := w.origin.AIJob(ctx, r.jobID)
		switch {
		case errors.Is(err, originclient.ErrUnauthorized), errors.Is(err, originclient.ErrForbidden):
			return false, poll.Terminal(fmt.Errorf("%w: %w", domain.ErrAIJobAuth, err))
		case errors.Is(err, originclient.ErrNotFound):
			return false, poll.Terminal(fmt.Errorf("%w: %w", domain.ErrAIJobMissing, err))
		case err != nil:
			log.Warn().Err(err).Int("attempt", attempt).Msg("ai job poll failed")
			return false, err
		}
		if st.Error != "" {
			return false, poll.Terminal(fmt.Errorf("%w: %s", domain.ErrAIJobFailed, st.Error))
		}
		w.advance(int(math.Round(st.Progress)))
		return st.Complete, nil
	})

	switch {
	case err == nil:
	case errors.Is(err, poll.ErrExhausted):
		log.Warn().Err(err).Msg("ai job polling exhausted")
		return false, fmt.Errorf("%w: %w", domain.ErrAIJobTimeout, err)
	case errors.Is(err, context.DeadlineExceeded):
		return false, fmt.Errorf("%w: %w", domain.ErrAIJobTimeout, err)
	default:
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("ai job failed")
		}
		return false, err
	}

	// The server may report completion before 100.
	w.advance(100)
	w.anim.Jump(100)
	if err := poll.Sleep(ctx, w.opts.Settle); err != nil {
		return false, err
	}
	log.Info().Msg("ai job complete")
	return true, nil
}
