package variants

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/originclient"
)

// Origin is the subset of the origin client the generator needs.
type Origin interface {
	Variants(ctx context.Context, fileKey string) (*originclient.VariantsResponse, error)
}

// Result is what submission gets from AwaitIfNeeded. Ready=false means
// derivatives are missing and will be backfilled; it never blocks.
type Result struct {
	Ready bool
	URLs  map[string]string
}

// Generator triggers derivative generation for one stored image.
type Generator struct {
	origin  Origin
	fileKey string
	onReady func(map[string]string)
	log     zerolog.Logger

	mu     sync.Mutex
	status domain.VariantStatus
	urls   map[string]string
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a generator. Videos start complete because their derivatives
// are produced server-side during completion. onReady may be nil.
func New(origin Origin, kind domain.Kind, fileKey string, onReady func(map[string]string), log zerolog.Logger) *Generator {
	if onReady == nil {
		onReady = func(map[string]string) {}
	}
	g := &Generator{
		origin:  origin,
		fileKey: fileKey,
		onReady: onReady,
		log:     log.With().Str("file_key", fileKey).Logger(),
		status:  domain.VariantIdle,
	}
	if kind == domain.KindVideo {
		g.status = domain.VariantComplete
	}
	return g
}

// Seed marks generation complete with urls already produced by the origin.
func (g *Generator) Seed(urls map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != domain.VariantIdle {
		return
	}
	g.status = domain.VariantComplete
	g.urls = urls
}

// Generate starts generation in the background. Calls while generating or
// after completion are no-ops.
func (g *Generator) Generate(ctx context.Context) {
	g.mu.Lock()
	if g.status != domain.VariantIdle {
		g.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	g.status = domain.VariantGenerating
	g.cancel, g.done = cancel, done
	g.mu.Unlock()

	go func() {
		defer close(done)
		g.run(ctx)
	}()
}

func (g *Generator) run(ctx context.Context) {
	start := time.Now()
	resp, err := g.origin.Variants(ctx, g.fileKey)
	if err == nil && !resp.Success {
		err = fmt.Errorf("origin reported failure: %s", resp.Error)
	}

	g.mu.Lock()
	g.status = domain.VariantComplete
	if err != nil {
		g.err = fmt.Errorf("%w: %w", domain.ErrVariantFailure, err)
		g.mu.Unlock()
		if ctx.Err() == nil {
			g.log.Warn().Err(err).Msg("variant generation failed, continuing without derivatives")
		}
		return
	}
	g.urls = resp.URLs
	g.mu.Unlock()

	g.log.Info().Int("variants", len(resp.URLs)).Dur("duration", time.Since(start)).Msg("variants ready")
	g.onReady(resp.URLs)
}

// AwaitIfNeeded waits up to timeout for in-flight generation. It never fails:
// timeout, failure or cancellation yield Ready=false.
func (g *Generator) AwaitIfNeeded(ctx context.Context, timeout time.Duration) Result {
	g.mu.Lock()
	status, done := g.status, g.done
	g.mu.Unlock()

	switch status {
	case domain.VariantIdle:
		return Result{}
	case domain.VariantGenerating:
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		select {
		case <-done:
		case <-ctx.Done():
			g.log.Warn().Dur("timeout", timeout).Msg("variants not ready, submitting without them")
			return Result{}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil || g.urls == nil {
		return Result{}
	}
	return Result{Ready: true, URLs: g.urls}
}

// Stop cancels in-flight generation and waits for it to exit.
func (g *Generator) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Status returns the current generation status.
func (g *Generator) Status() domain.VariantStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Err returns the generation failure, if any.
func (g *Generator) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
