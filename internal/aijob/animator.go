package aijob

import (
	"context"
	"math"
	"sync"
	"time"
)

// easeFactor is the share of the remaining gap closed each frame.
const easeFactor = 0.12

// Animator eases a displayed percentage toward a target on a frame ticker.
// It is cosmetic only.
type Animator struct {
	frame     time.Duration
	onDisplay func(int)

	mu        sync.Mutex
	target    float64
	displayed float64
	shown     int
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewAnimator creates a stopped animator. onDisplay may be nil.
func NewAnimator(frame time.Duration, onDisplay func(int)) *Animator {
	if frame <= 0 {
		frame = 16 * time.Millisecond
	}
	if onDisplay == nil {
		onDisplay = func(int) {}
	}
	return &Animator{frame: frame, onDisplay: onDisplay}
}

// Start runs the frame loop until Stop or ctx ends.
func (a *Animator) Start(ctx context.Context) {
	a.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel, a.done = cancel, done
	a.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(a.frame)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.step()
			}
		}
	}()
}

// Stop halts the frame loop and waits for it to exit.
func (a *Animator) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// SetTarget moves the value the display eases toward. Lower targets are
// ignored.
func (a *Animator) SetTarget(p int) {
	a.mu.Lock()
	if v := float64(clamp(p)); v > a.target {
		a.target = v
	}
	a.mu.Unlock()
}

// Jump sets both target and displayed value immediately.
func (a *Animator) Jump(p int) {
	v := clamp(p)
	a.mu.Lock()
	a.target = float64(v)
	a.displayed = float64(v)
	changed := a.shown != v
	a.shown = v
	a.mu.Unlock()

	if changed {
		a.onDisplay(v)
	}
}

// Reset returns the animator to zero without notifying.
func (a *Animator) Reset() {
	a.mu.Lock()
	a.target, a.displayed, a.shown = 0, 0, 0
	a.mu.Unlock()
}

// Displayed returns the value last shown.
func (a *Animator) Displayed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shown
}

func (a *Animator) step() {
	a.mu.Lock()
	gap := a.target - a.displayed
	if gap <= 0 {
		a.mu.Unlock()
		return
	}
	if gap < 0.5 {
		a.displayed = a.target
	} else {
		a.displayed += gap * easeFactor
	}
	v := int(math.Round(a.displayed))
	changed := v != a.shown
	a.shown = v
	a.mu.Unlock()

	if changed {
		a.onDisplay(v)
	}
}

func clamp(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
