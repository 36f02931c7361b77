package guard

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	warnings  atomic.Int32
	expires   atomic.Int32
	mu        sync.Mutex
	countdown []int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnWarning: func(time.Duration) { r.warnings.Add(1) },
		OnCountdown: func(s int) {
			r.mu.Lock()
			r.countdown = append(r.countdown, s)
			r.mu.Unlock()
		},
		OnExpire: func() { r.expires.Add(1) },
	}
}

func fast() Options {
	return Options{IdleTimeout: 80 * time.Millisecond, IdleWarning: 40 * time.Millisecond, Tick: 5 * time.Millisecond}
}

func TestGuard_WarnsThenExpires(t *testing.T) {
	var r recorder
	g := New(fast(), r.callbacks(), zerolog.Nop())
	g.Activate()

	assert.Eventually(t, func() bool { return g.State().Warning }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), r.warnings.Load())
	assert.Zero(t, r.expires.Load())

	assert.Eventually(t, func() bool { return r.expires.Load() == 1 }, time.Second, time.Millisecond)
	st := g.State()
	assert.True(t, st.Expired)
	assert.False(t, st.Active)
	assert.False(t, st.Warning)
	assert.False(t, g.BeforeUnload())

	r.mu.Lock()
	assert.NotEmpty(t, r.countdown)
	r.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), r.expires.Load())
}

func TestGuard_ActivityPostponesWarning(t *testing.T) {
	var r recorder
	g := New(fast(), r.callbacks(), zerolog.Nop())
	g.Activate()
	defer g.Deactivate()

	for i := 0; i < 6; i++ {
		time.Sleep(20 * time.Millisecond)
		g.Activity(SignalPointer)
	}
	assert.Zero(t, r.warnings.Load())
}

func TestGuard_ActivityIgnoredDuringWarning(t *testing.T) {
	var r recorder
	g := New(fast(), r.callbacks(), zerolog.Nop())
	g.Activate()

	require.Eventually(t, func() bool { return g.State().Warning }, time.Second, time.Millisecond)
	g.Activity(SignalKey)
	g.Activity(SignalClick)

	assert.Eventually(t, func() bool { return r.expires.Load() == 1 }, time.Second, time.Millisecond)
}

func TestGuard_ContinueSessionRestartsTimer(t *testing.T) {
	var r recorder
	g := New(fast(), r.callbacks(), zerolog.Nop())
	g.Activate()
	defer g.Deactivate()

	assert.False(t, g.ContinueSession())
	require.Eventually(t, func() bool { return g.State().Warning }, time.Second, time.Millisecond)
	assert.True(t, g.ContinueSession())
	assert.False(t, g.State().Warning)

	time.Sleep(15 * time.Millisecond)
	assert.Zero(t, r.expires.Load())
	assert.True(t, g.State().Active)
}

func TestGuard_SuspendedNeitherPromptsNorTimesOut(t *testing.T) {
	var r recorder
	g := New(fast(), r.callbacks(), zerolog.Nop())
	g.Activate()
	g.Suspend()

	assert.False(t, g.BeforeUnload())
	assert.False(t, g.InterceptLink(Link{Href: "/home"}))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, r.warnings.Load())
	assert.Zero(t, r.expires.Load())

	g.Resume()
	assert.True(t, g.BeforeUnload())
	assert.Eventually(t, func() bool { return r.warnings.Load() == 1 }, time.Second, time.Millisecond)
	g.Deactivate()
}

func TestGuard_DeactivateClearsTimers(t *testing.T) {
	var r recorder
	g := New(fast(), r.callbacks(), zerolog.Nop())
	g.Activate()
	g.Deactivate()

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, r.warnings.Load())
	assert.Zero(t, r.expires.Load())
	assert.False(t, g.BeforeUnload())
}

func TestGuard_LinkInterception(t *testing.T) {
	g := New(Options{IdleTimeout: time.Hour, IdleWarning: time.Minute}, Callbacks{}, zerolog.Nop())

	assert.False(t, g.InterceptLink(Link{Href: "/home"}), "inactive guard never intercepts")

	g.Activate()
	defer g.Deactivate()

	excluded := []Link{
		{Href: ""},
		{Href: "#details"},
		{Href: "javascript:void(0)"},
		{Href: "JavaScript:alert(1)"},
		{Href: "/help", Target: "_blank"},
		{Href: "/preview/1", InForm: true},
	}
	for _, l := range excluded {
		assert.False(t, g.InterceptLink(l), l.Href)
	}

	require.True(t, g.InterceptLink(Link{Href: "/home"}))
	assert.Equal(t, "/home", g.State().PendingHref)

	g.CancelNavigation()
	_, ok := g.ConfirmNavigation()
	assert.False(t, ok)
	assert.True(t, g.State().Active)

	require.True(t, g.InterceptLink(Link{Href: "/profile"}))
	href, ok := g.ConfirmNavigation()
	assert.True(t, ok)
	assert.Equal(t, "/profile", href)
	assert.False(t, g.State().Active)
	assert.False(t, g.BeforeUnload())
}
