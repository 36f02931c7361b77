package events

import (
	"sync"
	"time"

	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
)

// Type names a lifecycle event published by the orchestrator.
type Type string

const (
	FileSelected        Type = "fileSelected"
	FileValidationError Type = "fileValidationError"
	TransferProgress    Type = "transferProgress"
	TransferSlow        Type = "transferSlow"
	TransferComplete    Type = "transferComplete"
	TransferError       Type = "transferError"
	RateLimited         Type = "rateLimited"
	ModerationChanged   Type = "moderationChanged"
	ModerationFlagged   Type = "moderationFlagged"
	ModerationRejected  Type = "moderationRejected"
	AIProgress          Type = "aiProgress"
	VariantsReady       Type = "variantsReady"
	IdleWarning         Type = "idleWarning"
	IdleCountdown       Type = "idleCountdown"
	SessionExpired      Type = "sessionExpired"
	NavigationConfirm   Type = "navigationConfirm"
	Submitting          Type = "submitting"
	Submitted           Type = "submitted"
	SubmitError         Type = "submitError"
	SessionReset        Type = "sessionReset"
)

// Event is the payload delivered to subscribers. Only the fields relevant to
// Type are set.
type Event struct {
	Type       Type
	SessionID  string
	Kind       domain.Kind
	Filename   string
	Remote     *domain.RemoteObject
	Moderation domain.ModerationStatus
	Severity   domain.Severity
	Message    string
	Progress   int
	Sent       int64
	Total      int64
	Remaining  time.Duration
	URLs       map[string]string
	Href       string
	Redirect   string
	Err        error
}

// Handler receives events. Handlers run on the publisher's goroutine and must
// not block.
type Handler func(Event)

type subscription struct {
	handler Handler
	types   map[Type]struct{}
}

// Bus is a typed in-process event emitter.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscription)}
}

// Subscribe registers h for the given types, or for every type when none are
// given. The returned func removes the subscription.
func (b *Bus) Subscribe(h Handler, types ...Type) func() {
	sub := subscription{handler: h}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every matching subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Recorder collects events for inspection. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record is a Handler.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Last returns the most recent event of type t.
func (r *Recorder) Last(t Type) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return Event{}, false
}
