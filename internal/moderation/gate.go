package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/originclient"
	"github.com/baechuer/cityevents/services/media-uploader/internal/poll"
)

// ErrNotRetryable is returned by Retry unless the gate is in the error state.
var ErrNotRetryable = errors.New("moderation_not_retryable")

// Origin is the subset of the origin client the gate needs.
type Origin interface {
	Moderate(ctx context.Context, in originclient.ModerateRequest) (*originclient.ModerationResult, error)
	ModerationStatus(ctx context.Context, taskID string) (*originclient.ModerationResult, error)
}

// Verdict is a classification as reported by the server.
type Verdict struct {
	Status   domain.ModerationStatus
	Severity domain.Severity
	Message  string
}

// Remap softens a rejection whose severity is only "high" into a flag. Every
// other verdict is returned unchanged.
//
// TODO: confirm with product whether high-severity rejections should stay
// flagged or whether the two server fields are meant to be independent.
func Remap(v Verdict) Verdict {
	v.Status = domain.EffectiveModeration(v.Status, v.Severity)
	return v
}

// State is the gate's view of one stored object.
type State struct {
	Status   domain.ModerationStatus
	Severity domain.Severity
	Message  string
	TaskID   string
	AIJobID  string
	Err      error
}

// Options bound asynchronous verdict polling.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
}

// OptionsFromConfig extracts gate options from client configuration.
func OptionsFromConfig(cfg *config.Client) Options {
	return Options{Interval: cfg.ModerationInterval, MaxAttempts: cfg.ModerationAttempts}
}

// Gate submits a stored object for classification and tracks its verdict.
// Status changes are delivered to onChange after remapping; a change from a
// run that has since been stopped or restarted is never delivered.
type Gate struct {
	origin   Origin
	opts     Options
	onChange func(State)
	log      zerolog.Logger

	mu     sync.Mutex
	gen    uint64
	state  State
	obj    domain.RemoteObject
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle gate.
func New(origin Origin, opts Options, onChange func(State), log zerolog.Logger) *Gate {
	if onChange == nil {
		onChange = func(State) {}
	}
	return &Gate{
		origin:   origin,
		opts:     opts,
		onChange: onChange,
		log:      log,
		state:    State{Status: domain.ModerationPending},
	}
}

// Start submits obj for moderation in the background. Any previous run is
// stopped first.
func (g *Gate) Start(ctx context.Context, obj domain.RemoteObject) {
	g.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	g.mu.Lock()
	g.gen++
	gen := g.gen
	g.obj = obj
	g.cancel = cancel
	g.done = done
	g.mu.Unlock()

	g.set(gen, State{Status: domain.ModerationPending})

	go func() {
		defer close(done)
		g.run(ctx, gen, obj)
	}()
}

// Retry restarts moderation after an error. It never runs implicitly.
func (g *Gate) Retry(ctx context.Context) error {
	g.mu.Lock()
	status, obj := g.state.Status, g.obj
	g.mu.Unlock()

	if status != domain.ModerationError {
		return fmt.Errorf("%w: status is %s", ErrNotRetryable, status)
	}
	g.Start(ctx, obj)
	return nil
}

// Stop cancels any in-flight request or poll and waits for it to exit.
func (g *Gate) Stop() {
	g.mu.Lock()
	g.gen++
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// State returns the current verdict.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Done is closed when the current run has settled. It is nil before Start.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

func (g *Gate) set(gen uint64, st State) bool {
	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return false
	}
	g.state = st
	g.mu.Unlock()

	g.onChange(st)
	return true
}

func (g *Gate) run(ctx context.Context, gen uint64, obj domain.RemoteObject) {
	log := g.log.With().Str("file_key", obj.Key).Logger()

	g.set(gen, State{Status: domain.ModerationChecking})

	res, err := g.origin.Moderate(ctx, originclient.ModerateRequest{
		FileKey:  obj.Key,
		ImageURL: obj.Original(),
		IsVideo:  obj.IsVideo,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("moderation request failed")
		g.set(gen, State{Status: domain.ModerationError, Err: fmt.Errorf("%w: %w", domain.ErrModerationFailed, err)})
		return
	}

	// Immediate verdict
	if res.Status != "" && res.TaskID == "" {
		g.settle(gen, res, "", log)
		return
	}

	if res.TaskID == "" {
		log.Error().Msg("moderation response carried neither status nor task_id")
		g.set(gen, State{Status: domain.ModerationError, Err: fmt.Errorf("%w: empty response", domain.ErrModerationFailed)})
		return
	}

	taskID := string(res.TaskID)
	g.set(gen, State{Status: domain.ModerationChecking, TaskID: taskID})

	var final *originclient.ModerationResult
	err = poll.Until(ctx, poll.Policy{Interval: g.opts.Interval, MaxAttempts: g.opts.MaxAttempts}, func(ctx context.Context, attempt int) (bool, error) {
		st, err := g.origin.ModerationStatus(ctx, taskID)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("moderation status poll failed")
			return false, err
		}
		switch domain.ModerationStatus(st.Status) {
		case domain.ModerationApproved, domain.ModerationFlagged, domain.ModerationRejected, domain.ModerationError:
			final = st
			return true, nil
		}
		return false, nil
	})

	switch {
	case err == nil:
		g.settle(gen, final, taskID, log)
	case ctx.Err() != nil:
		return
	case errors.Is(err, poll.ErrExhausted):
		log.Warn().Err(err).Msg("moderation polling exhausted")
		g.set(gen, State{Status: domain.ModerationError, TaskID: taskID, Err: fmt.Errorf("%w: %w", domain.ErrModerationTimeout, err)})
	default:
		g.set(gen, State{Status: domain.ModerationError, TaskID: taskID, Err: fmt.Errorf("%w: %w", domain.ErrModerationFailed, err)})
	}
}

func (g *Gate) settle(gen uint64, res *originclient.ModerationResult, taskID string, log zerolog.Logger) {
	raw := Verdict{
		Status:   domain.ModerationStatus(res.Status),
		Severity: domain.Severity(res.Severity),
		Message:  res.Message,
	}
	v := Remap(raw)
	if v.Status != raw.Status {
		log.Info().Str("severity", string(v.Severity)).Msg("rejected verdict remapped to flagged")
	}

	st := State{
		Status:   v.Status,
		Severity: v.Severity,
		Message:  v.Message,
		TaskID:   taskID,
		AIJobID:  string(res.AIJobID),
	}
	switch st.Status {
	case domain.ModerationRejected:
		st.Err = domain.ErrModerationRejected
	case domain.ModerationError:
		st.Err = fmt.Errorf("%w: %s", domain.ErrModerationFailed, res.Message)
	case domain.ModerationApproved, domain.ModerationFlagged:
	default:
		log.Error().Str("status", res.Status).Msg("unknown moderation status")
		st = State{Status: domain.ModerationError, Err: fmt.Errorf("%w: unknown status %q", domain.ErrModerationFailed, res.Status)}
	}

	log.Info().Str("status", string(st.Status)).Msg("moderation settled")
	g.set(gen, st)
}
