package orchestrator

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/baechuer/cityevents/services/media-uploader/internal/aijob"
	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/guard"
	"github.com/baechuer/cityevents/services/media-uploader/internal/intake"
	"github.com/baechuer/cityevents/services/media-uploader/internal/moderation"
	"github.com/baechuer/cityevents/services/media-uploader/internal/originclient"
	"github.com/baechuer/cityevents/services/media-uploader/internal/variants"
)

// session is one file's lifecycle. It is owned by the Orchestrator and only
// mutated while o.mu is held; sub-components report back through callbacks
// that carry the epoch they were launched with.
type session struct {
	epoch uint64
	id    string
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	phase    domain.Phase
	file     intake.File
	kind     domain.Kind
	preview  *intake.Preview
	remote   *domain.RemoteObject
	complete *originclient.CompleteResponse

	moderation moderation.State
	aiJobID    string
	submitting bool
	lastErr    error

	guard    *guard.Guard
	gate     *moderation.Gate
	waiter   *aijob.Waiter
	variants *variants.Generator
}

// Snapshot is a read-only view of the orchestrator.
type Snapshot struct {
	SessionID  string
	Phase      domain.Phase
	Kind       domain.Kind
	Filename   string
	PreviewID  string
	Remote     *domain.RemoteObject
	Moderation domain.ModerationStatus
	Severity   domain.Severity
	AIJobID    string
	AIProgress int
	AIDisplay  int
	Variants   domain.VariantStatus
	Submitting bool
	Guard      guard.State
	Err        error
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:  s.id,
		Phase:      s.phase,
		Kind:       s.kind,
		Filename:   s.file.Name,
		Moderation: s.moderation.Status,
		Severity:   s.moderation.Severity,
		AIJobID:    s.aiJobID,
		Submitting: s.submitting,
		Err:        s.lastErr,
	}
	if s.preview != nil {
		snap.PreviewID = s.preview.ID
	}
	if s.remote != nil {
		r := *s.remote
		snap.Remote = &r
	}
	if s.waiter != nil {
		snap.AIProgress = s.waiter.Progress()
		snap.AIDisplay = s.waiter.Displayed()
	}
	if s.variants != nil {
		snap.Variants = s.variants.Status()
	}
	if s.guard != nil {
		snap.Guard = s.guard.State()
	}
	return snap
}

// Control is the submit button's state.
type Control struct {
	Enabled bool
	Label   string
}

func (s *session) control() Control {
	switch s.phase {
	case domain.PhaseSelected:
		if s.lastErr != nil {
			return Control{Label: "Retry upload"}
		}
		return Control{Label: "Uploading..."}
	case domain.PhaseTransferring:
		return Control{Label: "Uploading..."}
	case domain.PhaseSubmitting:
		return Control{Label: "Submitting..."}
	case domain.PhaseDone:
		return Control{Label: "Submitted"}
	case domain.PhaseTransferred:
	default:
		return Control{Label: "Select a file"}
	}

	switch s.moderation.Status {
	case domain.ModerationPending, domain.ModerationChecking:
		return Control{Label: "Checking content..."}
	case domain.ModerationRejected:
		return Control{Label: "Content rejected"}
	case domain.ModerationError:
		return Control{Label: "Content check failed"}
	}
	if s.aiJobID == "" {
		return Control{Label: "Preparing..."}
	}
	return Control{
		Enabled: domain.SubmitAllowed(s.moderation.Status, s.aiJobID, s.submitting),
		Label:   "Submit",
	}
}
