package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Simulator stands in for the content-generation worker in local
// environments. It walks a job from 0 to 100 in fixed steps.
type Simulator struct {
	store *Store
	step  time.Duration
	log   zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimulator creates a simulator that advances a job every step.
func NewSimulator(store *Store, step time.Duration, log zerolog.Logger) *Simulator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Simulator{store: store, step: step, log: log, ctx: ctx, cancel: cancel}
}

// Start runs job id in the background. It never blocks.
func (s *Simulator) Start(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(s.ctx, id); err != nil && s.ctx.Err() == nil {
			s.log.Warn().Err(err).Str("job_id", id).Msg("simulated job failed")
		}
	}()
}

// Run advances job id to completion, returning early if ctx ends.
func (s *Simulator) Run(ctx context.Context, id string) error {
	ticker := time.NewTicker(s.step)
	defer ticker.Stop()

	for _, p := range []int{15, 35, 60, 80, 95} {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := s.store.SetProgress(ctx, id, p); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ticker.C:
	}
	if err := s.store.Complete(ctx, id); err != nil {
		return err
	}
	s.log.Debug().Str("job_id", id).Msg("simulated job complete")
	return nil
}

// Stop cancels running jobs and waits for them.
func (s *Simulator) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
