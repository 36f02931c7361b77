// Package orchestrator composes intake, transfer, moderation, AI waiting,
// variant generation, session guarding and cleanup into one upload session
// lifecycle, and gates final submission.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baechuer/cityevents/services/media-uploader/internal/aijob"
	"github.com/baechuer/cityevents/services/media-uploader/internal/cleanup"
	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/events"
	"github.com/baechuer/cityevents/services/media-uploader/internal/guard"
	"github.com/baechuer/cityevents/services/media-uploader/internal/intake"
	"github.com/baechuer/cityevents/services/media-uploader/internal/logger"
	"github.com/baechuer/cityevents/services/media-uploader/internal/moderation"
	"github.com/baechuer/cityevents/services/media-uploader/internal/originclient"
	"github.com/baechuer/cityevents/services/media-uploader/internal/transfer"
	"github.com/baechuer/cityevents/services/media-uploader/internal/variants"
)

// Origin is everything the orchestrator consumes from the origin server.
type Origin interface {
	transfer.Origin
	moderation.Origin
	aijob.Origin
	variants.Origin
	cleanup.Deleter
	Submit(ctx context.Context, fields map[string]string) (*originclient.SubmitResponse, error)
}

// Redirector performs the post-submit navigation.
type Redirector func(url string)

// Form carries the user's fields for final submission.
type Form struct {
	Title   string
	Content string
	Fields  map[string]string
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Origin   Origin
	Bus      *events.Bus
	Previews *intake.PreviewRegistry
	Redirect Redirector
	Log      zerolog.Logger
}

// Orchestrator owns at most one upload session at a time.
//
// Bus handlers run on the goroutine that published the event, which may be a
// moderation, AI or variant worker. Handlers may call back into the
// orchestrator, including Reset and AcknowledgeRejection, but must not call
// Wait.
type Orchestrator struct {
	cfg         *config.Client
	origin      Origin
	bus         *events.Bus
	previews    *intake.PreviewRegistry
	redirect    Redirector
	log         zerolog.Logger
	validator   *intake.Validator
	transfer    *transfer.Client
	compensator *cleanup.Compensator

	mu    sync.Mutex
	epoch uint64
	cur   *session

	wg sync.WaitGroup
}

// New creates an orchestrator in the EMPTY phase.
func New(cfg *config.Client, deps Deps) *Orchestrator {
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Previews == nil {
		deps.Previews = intake.NewPreviewRegistry()
	}
	if deps.Redirect == nil {
		deps.Redirect = func(string) {}
	}
	return &Orchestrator{
		cfg:         cfg,
		origin:      deps.Origin,
		bus:         deps.Bus,
		previews:    deps.Previews,
		redirect:    deps.Redirect,
		log:         deps.Log,
		validator:   intake.NewValidator(intake.RulesFromConfig(cfg)),
		transfer:    transfer.New(deps.Origin, transfer.OptionsFromConfig(cfg), deps.Log),
		compensator: cleanup.NewCompensator(deps.Origin, cfg.BeaconTimeout, deps.Log),
	}
}

// Bus returns the event bus lifecycle events are published on.
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

// Select validates f and, if accepted, starts a new session and its transfer
// in the background. A previous session is torn down first.
func (o *Orchestrator) Select(ctx context.Context, f intake.File) error {
	o.mu.Lock()
	prev := o.cur
	if prev != nil && prev.phase == domain.PhaseSubmitting {
		o.mu.Unlock()
		return domain.ErrBusy
	}
	o.mu.Unlock()

	if prev != nil {
		o.teardown(prev, false)
	}

	res := o.validator.Validate(f)
	if !res.OK {
		o.log.Info().Str("filename", f.Name).Str("reason", string(res.Reason)).Msg("file rejected")
		o.bus.Publish(events.Event{Type: events.FileValidationError, Filename: f.Name, Message: res.Message, Err: res.Err()})
		return res.Err()
	}

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(logger.WithSession(context.WithoutCancel(ctx), o.log, id))
	s := &session{
		id:     id,
		log:    *logger.Ctx(sctx),
		ctx:    sctx,
		cancel: cancel,
		phase:  domain.PhaseSelected,
		file:   f,
		kind:   res.Kind,
	}

	o.mu.Lock()
	if o.cur != nil {
		// another Select won the race
		o.mu.Unlock()
		cancel()
		return domain.ErrBusy
	}
	o.epoch++
	s.epoch = o.epoch
	s.preview = o.previews.Create(f)
	s.moderation = moderation.State{Status: domain.ModerationPending}
	s.guard = o.newGuard(s.epoch)
	o.cur = s
	o.mu.Unlock()

	s.guard.Activate()
	s.log.Info().Str("filename", f.Name).Str("kind", string(res.Kind)).Int64("size", f.Size).Msg("file selected")
	o.bus.Publish(events.Event{Type: events.FileSelected, SessionID: s.id, Kind: s.kind, Filename: f.Name})

	return o.startTransfer(s.epoch)
}

// RetryTransfer re-runs a failed transfer with the same file.
func (o *Orchestrator) RetryTransfer(ctx context.Context) error {
	o.mu.Lock()
	s := o.cur
	o.mu.Unlock()
	if s == nil {
		return domain.ErrNoFile
	}
	return o.startTransfer(s.epoch)
}

func (o *Orchestrator) startTransfer(epoch uint64) error {
	o.mu.Lock()
	s := o.session(epoch)
	if s == nil {
		o.mu.Unlock()
		return domain.ErrNoFile
	}
	if s.phase != domain.PhaseSelected {
		o.mu.Unlock()
		return domain.ErrBusy
	}
	s.phase = domain.PhaseTransferring
	s.lastErr = nil
	f, kind, ctx := s.file, s.kind, s.ctx
	o.mu.Unlock()

	hooks := transfer.Hooks{
		OnProgress: func(sent, total int64) {
			if o.session(epoch) == nil {
				return
			}
			pct := 0
			if total > 0 {
				pct = int(sent * 100 / total)
			}
			o.bus.Publish(events.Event{Type: events.TransferProgress, SessionID: s.id, Sent: sent, Total: total, Progress: pct})
		},
		OnSlow: func(elapsed time.Duration) {
			o.publishIfCurrent(epoch, events.Event{Type: events.TransferSlow, Message: "Upload is taking longer than expected..."})
		},
		OnNotice: func(elapsed time.Duration) {
			msg := "Still processing your upload..."
			if elapsed >= 45*time.Second {
				msg = "Almost there, finishing up..."
			}
			o.publishIfCurrent(epoch, events.Event{Type: events.TransferSlow, Message: msg})
		},
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res, err := o.transfer.Transfer(ctx, f, kind, hooks)
		o.onTransferDone(epoch, res, err)
	}()
	return nil
}

func (o *Orchestrator) onTransferDone(epoch uint64, res *transfer.Result, err error) {
	var rejected *transfer.RejectedError
	errors.As(err, &rejected)

	o.mu.Lock()
	s := o.session(epoch)
	if s == nil {
		o.mu.Unlock()
		// The session ended while the write was in flight. Anything stored is
		// now an orphan.
		switch {
		case res != nil:
			o.compensate(res.Object)
		case rejected != nil:
			o.compensate(rejected.Object)
		}
		return
	}

	switch {
	case err == nil:
		obj := res.Object
		s.phase = domain.PhaseTransferred
		s.remote = &obj
		s.complete = res.Complete
		s.aiJobID = string(res.Complete.AIJobID)
		s.variants = variants.New(o.origin, s.kind, obj.Key, func(urls map[string]string) {
			o.publishIfCurrent(epoch, events.Event{Type: events.VariantsReady, URLs: urls})
		}, s.log)
		if s.kind == domain.KindImage && !res.Complete.VariantsPending {
			s.variants.Seed(obj.URLs)
		}
		s.gate = moderation.New(o.origin, moderation.OptionsFromConfig(o.cfg), func(st moderation.State) {
			o.onModeration(epoch, st)
		}, s.log)
		gate, ctx := s.gate, s.ctx
		o.mu.Unlock()

		s.log.Info().Str("file_key", obj.Key).Msg("transfer complete")
		o.bus.Publish(events.Event{Type: events.TransferComplete, SessionID: s.id, Kind: s.kind, Filename: s.file.Name, Remote: &obj})
		gate.Start(ctx, obj)

	case errors.Is(err, domain.ErrRateLimited):
		o.mu.Unlock()
		msg := domain.UserMessage(err)
		o.bus.Publish(events.Event{Type: events.RateLimited, SessionID: s.id, Message: msg, Err: err})
		o.teardown(s, false)

	case rejected != nil:
		obj := rejected.Object
		s.phase = domain.PhaseTransferred
		s.remote = &obj
		s.moderation = moderation.State{Status: domain.ModerationRejected, Message: rejected.Message, Err: err}
		s.lastErr = err
		o.mu.Unlock()

		s.log.Warn().Str("file_key", obj.Key).Msg("content rejected during completion")
		o.bus.Publish(events.Event{Type: events.ModerationChanged, SessionID: s.id, Moderation: domain.ModerationRejected})
		o.bus.Publish(events.Event{Type: events.ModerationRejected, SessionID: s.id, Message: domain.UserMessage(err), Err: err})

	case errors.Is(err, context.Canceled):
		s.phase = domain.PhaseSelected
		o.mu.Unlock()

	default:
		s.phase = domain.PhaseSelected
		s.lastErr = err
		o.mu.Unlock()

		o.bus.Publish(events.Event{Type: events.TransferError, SessionID: s.id, Filename: s.file.Name, Message: domain.UserMessage(err), Err: err})
	}
}

func (o *Orchestrator) onModeration(epoch uint64, st moderation.State) {
	o.mu.Lock()
	s := o.session(epoch)
	if s == nil || s.phase != domain.PhaseTransferred {
		o.mu.Unlock()
		return
	}
	s.moderation = st
	if st.AIJobID != "" {
		s.aiJobID = st.AIJobID
	}
	if st.Err != nil {
		s.lastErr = st.Err
	}

	var startAI, startVariants bool
	if st.Status.AllowsSubmit() {
		startVariants = s.kind == domain.KindImage
		if s.aiJobID != "" && s.waiter == nil {
			s.waiter = aijob.New(o.origin, aijob.OptionsFromConfig(o.cfg), nil, func(p int) {
				o.publishIfCurrent(epoch, events.Event{Type: events.AIProgress, Progress: p})
			}, s.log)
			startAI = true
		}
	}
	waiter, gen, jobID, ctx := s.waiter, s.variants, s.aiJobID, s.ctx
	o.mu.Unlock()

	o.bus.Publish(events.Event{Type: events.ModerationChanged, SessionID: s.id, Moderation: st.Status, Severity: st.Severity, Message: st.Message, Err: st.Err})

	switch st.Status {
	case domain.ModerationFlagged:
		o.bus.Publish(events.Event{Type: events.ModerationFlagged, SessionID: s.id, Severity: st.Severity, Message: st.Message})
	case domain.ModerationRejected:
		o.bus.Publish(events.Event{Type: events.ModerationRejected, SessionID: s.id, Severity: st.Severity, Message: domain.UserMessage(st.Err), Err: st.Err})
	case domain.ModerationError:
		s.log.Warn().Err(st.Err).Msg("moderation failed")
	}

	if startAI {
		waiter.Start(ctx, jobID)
	}
	if startVariants && gen != nil {
		gen.Generate(ctx)
	}
}

// ChangeFile discards the current session, deleting anything stored.
func (o *Orchestrator) ChangeFile(ctx context.Context) {
	o.mu.Lock()
	s := o.cur
	o.mu.Unlock()
	if s == nil {
		return
	}
	if s.phase == domain.PhaseSubmitting {
		s.log.Warn().Msg("change file ignored during submission")
		return
	}
	o.teardown(s, false)
}

// AcknowledgeRejection dismisses the rejection dialog: the stored object is
// deleted and the session fully reset.
func (o *Orchestrator) AcknowledgeRejection(ctx context.Context) {
	o.mu.Lock()
	s := o.cur
	rejected := s != nil && s.moderation.Status == domain.ModerationRejected
	o.mu.Unlock()
	if rejected {
		o.teardown(s, false)
	}
}

// RetryModeration resubmits the stored object after a moderation error.
func (o *Orchestrator) RetryModeration(ctx context.Context) error {
	o.mu.Lock()
	s := o.cur
	if s == nil || s.gate == nil {
		o.mu.Unlock()
		return domain.ErrNoFile
	}
	gate, sctx := s.gate, s.ctx
	o.mu.Unlock()
	return gate.Retry(sctx)
}

// Continue answers the idle warning dialog.
func (o *Orchestrator) Continue() bool {
	if g := o.currentGuard(); g != nil {
		return g.ContinueSession()
	}
	return false
}

// Activity forwards a user-activity signal to the idle timer.
func (o *Orchestrator) Activity(sig guard.Signal) {
	if g := o.currentGuard(); g != nil {
		g.Activity(sig)
	}
}

// InterceptLink reports whether navigating to l needs confirmation, and if so
// publishes navigationConfirm.
func (o *Orchestrator) InterceptLink(l guard.Link) bool {
	g := o.currentGuard()
	if g == nil || !g.InterceptLink(l) {
		return false
	}
	o.bus.Publish(events.Event{Type: events.NavigationConfirm, SessionID: o.sessionID(), Href: l.Href})
	return true
}

// ConfirmNavigation releases the held link. Guards are deactivated before
// navigation proceeds and any stored object is cleaned up by beacon.
func (o *Orchestrator) ConfirmNavigation() (string, bool) {
	g := o.currentGuard()
	if g == nil {
		return "", false
	}
	href, ok := g.ConfirmNavigation()
	if !ok {
		return "", false
	}
	o.Unload()
	return href, true
}

// CancelNavigation drops the held link.
func (o *Orchestrator) CancelNavigation() {
	if g := o.currentGuard(); g != nil {
		g.CancelNavigation()
	}
}

// BeforeUnload reports whether leaving should be confirmed.
func (o *Orchestrator) BeforeUnload() bool {
	if g := o.currentGuard(); g != nil {
		return g.BeforeUnload()
	}
	return false
}

// Unload ends the session as the page goes away. A stored object that was not
// submitted is deleted by beacon; the returned channel closes when that
// attempt settles.
func (o *Orchestrator) Unload() <-chan struct{} {
	o.mu.Lock()
	s := o.cur
	o.mu.Unlock()
	if s == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return o.teardown(s, true)
}

// Reset returns to EMPTY from any phase, deleting anything stored.
func (o *Orchestrator) Reset(ctx context.Context) {
	o.mu.Lock()
	s := o.cur
	o.mu.Unlock()
	if s != nil {
		o.teardown(s, false)
	}
}

// CanSubmit reports whether final submission may start.
func (o *Orchestrator) CanSubmit() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.cur
	return s != nil && s.phase == domain.PhaseTransferred &&
		domain.SubmitAllowed(s.moderation.Status, s.aiJobID, s.submitting)
}

// SubmitControl returns the submit button's availability and label.
func (o *Orchestrator) SubmitControl() Control {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return Control{Label: "Select a file"}
	}
	return o.cur.control()
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return Snapshot{Phase: domain.PhaseEmpty}
	}
	return o.cur.snapshot()
}

// Wait blocks until background transfers and cleanup have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// teardown is the single exit path for a session: it stops every
// sub-component, revokes the preview, deletes the stored object at most once,
// deactivates the guard and publishes sessionReset. With beacon set the delete
// is sent as an unload beacon.
func (o *Orchestrator) teardown(s *session, beacon bool) <-chan struct{} {
	done := make(chan struct{})

	o.mu.Lock()
	if o.cur != s {
		o.mu.Unlock()
		close(done)
		return done
	}
	o.cur = nil
	o.epoch++
	remote := s.remote
	s.remote = nil
	submitted := s.phase == domain.PhaseDone
	gate, waiter, gen := s.gate, s.waiter, s.variants
	o.mu.Unlock()

	s.cancel()
	if s.guard != nil {
		s.guard.Deactivate()
	}
	// The caller may be running on one of these goroutines, so they are only
	// joined in the background. Their late results fail the epoch check.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if gate != nil {
			gate.Stop()
		}
		if waiter != nil {
			waiter.Stop()
		}
		if gen != nil {
			gen.Stop()
		}
	}()
	s.preview.Revoke()

	switch {
	case remote == nil || submitted:
		close(done)
	case beacon:
		s.log.Info().Str("file_key", remote.Key).Msg("sending unload beacon")
		go func() {
			<-o.compensator.Beacon(remote.Key, remote.IsVideo)
			close(done)
		}()
	default:
		o.compensate(*remote)
		close(done)
	}

	s.log.Info().Str("phase", string(s.phase)).Msg("session reset")
	o.bus.Publish(events.Event{Type: events.SessionReset, SessionID: s.id})
	return done
}

// compensate deletes obj in the background.
func (o *Orchestrator) compensate(obj domain.RemoteObject) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		o.compensator.DeleteRemoteObject(ctx, obj.Key, obj.IsVideo)
	}()
}

func (o *Orchestrator) newGuard(epoch uint64) *guard.Guard {
	return guard.New(guard.OptionsFromConfig(o.cfg), guard.Callbacks{
		OnWarning: func(remaining time.Duration) {
			o.publishIfCurrent(epoch, events.Event{Type: events.IdleWarning, Remaining: remaining})
		},
		OnCountdown: func(secondsLeft int) {
			o.publishIfCurrent(epoch, events.Event{Type: events.IdleCountdown, Remaining: time.Duration(secondsLeft) * time.Second})
		},
		OnExpire: func() {
			o.onExpire(epoch)
		},
	}, o.log)
}

func (o *Orchestrator) onExpire(epoch uint64) {
	o.mu.Lock()
	s := o.session(epoch)
	o.mu.Unlock()
	if s == nil {
		return
	}
	s.log.Info().Msg("session expired")
	o.bus.Publish(events.Event{Type: events.SessionExpired, SessionID: s.id, Message: "Your session expired due to inactivity."})
	o.teardown(s, false)
}

// session returns the current session if it still has the given epoch.
// Callers hold o.mu.
func (o *Orchestrator) session(epoch uint64) *session {
	if o.cur == nil || o.cur.epoch != epoch {
		return nil
	}
	return o.cur
}

func (o *Orchestrator) publishIfCurrent(epoch uint64, e events.Event) {
	o.mu.Lock()
	s := o.session(epoch)
	o.mu.Unlock()
	if s == nil {
		return
	}
	e.SessionID = s.id
	o.bus.Publish(e)
}

func (o *Orchestrator) currentGuard() *guard.Guard {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return nil
	}
	return o.cur.guard
}

func (o *Orchestrator) sessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return ""
	}
	return o.cur.id
}

func fieldsFor(s *session, f Form, vr variants.Result) map[string]string {
	fields := make(map[string]string, len(f.Fields)+8)
	for k, v := range f.Fields {
		fields[k] = v
	}
	fields["title"] = f.Title
	fields["content"] = f.Content
	fields["b2_file_key"] = s.remote.Key
	fields["b2_filename"] = s.file.Name
	fields["ai_job_id"] = s.aiJobID
	fields["is_video"] = fmt.Sprint(s.remote.IsVideo)
	if s.remote.IsVideo {
		fields["b2_video"] = s.remote.Original()
		fields["b2_video_thumb"] = s.remote.Thumbnail()
	} else {
		fields["b2_original"] = s.remote.Original()
		fields["b2_thumb"] = s.remote.Thumbnail()
	}
	if vr.Ready {
		for name, u := range vr.URLs {
			fields["variant_"+name] = u
		}
	}
	return fields
}
