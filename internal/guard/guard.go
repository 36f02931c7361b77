// Package guard protects an in-progress upload session from accidental
// navigation and abandonment.
package guard

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
)

// Signal is a user-activity event that resets the idle timer.
type Signal string

const (
	SignalPointer Signal = "pointermove"
	SignalKey     Signal = "keypress"
	SignalClick   Signal = "click"
	SignalScroll  Signal = "scroll"
)

// Link describes an in-app navigation attempt.
type Link struct {
	Href   string
	Target string
	InForm bool // inside the upload form or preview area
}

// Options configure idle detection.
type Options struct {
	IdleTimeout time.Duration
	IdleWarning time.Duration
	Tick        time.Duration
}

// OptionsFromConfig extracts guard options from client configuration.
func OptionsFromConfig(cfg *config.Client) Options {
	return Options{IdleTimeout: cfg.IdleTimeout, IdleWarning: cfg.IdleWarning, Tick: cfg.CountdownTick}
}

// Callbacks are invoked from timer goroutines, never while the guard's lock
// is held. Any may be nil.
type Callbacks struct {
	OnWarning   func(remaining time.Duration)
	OnCountdown func(secondsLeft int)
	OnExpire    func()
}

// State is a snapshot of the guard.
type State struct {
	Active      bool
	Suspended   bool
	Warning     bool
	Expired     bool
	PendingHref string
}

// Guard combines navigation interception, idle detection and session expiry.
type Guard struct {
	opts Options
	cb   Callbacks
	log  zerolog.Logger

	mu          sync.Mutex
	active      bool
	suspended   bool
	warning     bool
	expired     bool
	pendingHref string
	gen         uint64
	idle        *time.Timer
	expiry      *time.Timer
	quit        chan struct{}
}

// New creates an inactive guard.
func New(opts Options, cb Callbacks, log zerolog.Logger) *Guard {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.IdleWarning > opts.IdleTimeout {
		opts.IdleWarning = opts.IdleTimeout
	}
	if cb.OnWarning == nil {
		cb.OnWarning = func(time.Duration) {}
	}
	if cb.OnCountdown == nil {
		cb.OnCountdown = func(int) {}
	}
	if cb.OnExpire == nil {
		cb.OnExpire = func() {}
	}
	return &Guard{opts: opts, cb: cb, log: log}
}

// Activate arms all protections. Called when a file is selected.
func (g *Guard) Activate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = true
	g.suspended = false
	g.warning = false
	g.expired = false
	g.pendingHref = ""
	g.armLocked()
}

// Deactivate removes all protections and clears every timer.
func (g *Guard) Deactivate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
	g.suspended = false
	g.warning = false
	g.pendingHref = ""
	g.stopLocked()
}

// Suspend disables prompting and idle expiry without deactivating, so a
// submission redirect is not treated as abandonment.
func (g *Guard) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return
	}
	g.suspended = true
	g.warning = false
	g.stopLocked()
}

// Resume re-arms a suspended guard.
func (g *Guard) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active || !g.suspended {
		return
	}
	g.suspended = false
	g.armLocked()
}

// Activity resets the idle timer. It is ignored while the idle warning is
// showing; only ContinueSession dismisses it.
func (g *Guard) Activity(s Signal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active || g.suspended || g.warning || g.expired {
		return
	}
	g.armLocked()
}

// ContinueSession dismisses the idle warning and restarts the idle timer.
func (g *Guard) ContinueSession() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.warning {
		return false
	}
	g.warning = false
	g.armLocked()
	g.log.Debug().Msg("session continued")
	return true
}

// BeforeUnload reports whether leaving the page should be confirmed.
func (g *Guard) BeforeUnload() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active && !g.suspended && !g.expired
}

// InterceptLink reports whether navigating to l must be confirmed first. When
// it returns true the link is held until ConfirmNavigation or
// CancelNavigation.
func (g *Guard) InterceptLink(l Link) bool {
	if excluded(l) {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active || g.suspended || g.expired {
		return false
	}
	g.pendingHref = l.Href
	return true
}

// ConfirmNavigation deactivates the guard and releases the held link.
func (g *Guard) ConfirmNavigation() (string, bool) {
	g.mu.Lock()
	href := g.pendingHref
	g.mu.Unlock()
	if href == "" {
		return "", false
	}
	g.Deactivate()
	return href, true
}

// CancelNavigation drops the held link.
func (g *Guard) CancelNavigation() {
	g.mu.Lock()
	g.pendingHref = ""
	g.mu.Unlock()
}

// State returns a snapshot.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Active:      g.active,
		Suspended:   g.suspended,
		Warning:     g.warning,
		Expired:     g.expired,
		PendingHref: g.pendingHref,
	}
}

func excluded(l Link) bool {
	href := strings.TrimSpace(l.Href)
	switch {
	case href == "":
		return true
	case strings.HasPrefix(href, "#"):
		return true
	case strings.HasPrefix(strings.ToLower(href), "javascript:"):
		return true
	case l.Target == "_blank":
		return true
	case l.InForm:
		return true
	}
	return false
}

func (g *Guard) stopLocked() {
	g.gen++
	if g.idle != nil {
		g.idle.Stop()
		g.idle = nil
	}
	if g.expiry != nil {
		g.expiry.Stop()
		g.expiry = nil
	}
	if g.quit != nil {
		close(g.quit)
		g.quit = nil
	}
}

func (g *Guard) armLocked() {
	g.stopLocked()
	gen := g.gen
	g.idle = time.AfterFunc(g.opts.IdleTimeout-g.opts.IdleWarning, func() { g.warn(gen) })
}

func (g *Guard) warn(gen uint64) {
	g.mu.Lock()
	if gen != g.gen || !g.active || g.suspended {
		g.mu.Unlock()
		return
	}
	g.warning = true
	deadline := time.Now().Add(g.opts.IdleWarning)
	quit := make(chan struct{})
	g.quit = quit
	g.expiry = time.AfterFunc(g.opts.IdleWarning, func() { g.expire(gen) })
	g.mu.Unlock()

	g.log.Info().Dur("remaining", g.opts.IdleWarning).Msg("idle warning")
	g.cb.OnWarning(g.opts.IdleWarning)

	go func() {
		ticker := time.NewTicker(g.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case now := <-ticker.C:
				left := deadline.Sub(now)
				if left <= 0 {
					return
				}
				g.mu.Lock()
				stale := gen != g.gen
				g.mu.Unlock()
				if stale {
					return
				}
				g.cb.OnCountdown(int(math.Ceil(left.Seconds())))
			}
		}
	}()
}

func (g *Guard) expire(gen uint64) {
	g.mu.Lock()
	if gen != g.gen || !g.warning {
		g.mu.Unlock()
		return
	}
	g.warning = false
	g.expired = true
	g.active = false
	g.pendingHref = ""
	g.stopLocked()
	g.mu.Unlock()

	g.log.Info().Msg("session expired")
	g.cb.OnExpire()
}
