package domain

import "time"

// Kind is the broad media class of a selected file.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Phase is the lifecycle position of an upload session.
type Phase string

const (
	PhaseEmpty        Phase = "EMPTY"
	PhaseSelected     Phase = "SELECTED"
	PhaseTransferring Phase = "TRANSFERRING"
	PhaseTransferred  Phase = "TRANSFERRED"
	PhaseSubmitting   Phase = "SUBMITTING"
	PhaseDone         Phase = "DONE"
)

// ModerationStatus is the safety classification of a stored object.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationChecking ModerationStatus = "checking"
	ModerationApproved ModerationStatus = "approved"
	ModerationFlagged  ModerationStatus = "flagged"
	ModerationRejected ModerationStatus = "rejected"
	ModerationError    ModerationStatus = "error"
)

// IsTerminal reports whether the verdict is final. Error is retry-eligible.
func (s ModerationStatus) IsTerminal() bool {
	return s == ModerationApproved || s == ModerationFlagged || s == ModerationRejected
}

// AllowsSubmit reports whether content with this status may be submitted.
func (s ModerationStatus) AllowsSubmit() bool {
	return s == ModerationApproved || s == ModerationFlagged
}

// EffectiveModeration softens a rejection whose severity is only "high" into a
// flag. Every other verdict is returned unchanged.
func EffectiveModeration(status ModerationStatus, severity Severity) ModerationStatus {
	if status == ModerationRejected && severity == SeverityHigh {
		return ModerationFlagged
	}
	return status
}

// Severity as reported by the moderation backend.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// VariantStatus tracks derivative generation for still images.
type VariantStatus string

const (
	VariantIdle       VariantStatus = "idle"
	VariantGenerating VariantStatus = "generating"
	VariantComplete   VariantStatus = "complete"
)

// RemoteObject is a file confirmed as stored by the origin.
type RemoteObject struct {
	Key     string            `json:"file_key"`
	URLs    map[string]string `json:"urls"`
	IsVideo bool              `json:"is_video"`
}

// Original returns the canonical URL of the stored object.
func (o RemoteObject) Original() string {
	return o.URLs["original"]
}

// Thumbnail returns the thumbnail URL, if any.
func (o RemoteObject) Thumbnail() string {
	return o.URLs["thumb"]
}

// SubmitAllowed is the single rule deciding whether final submission may start.
func SubmitAllowed(status ModerationStatus, aiJobID string, submitting bool) bool {
	return status.AllowsSubmit() && aiJobID != "" && !submitting
}

// Defaults shared by client and origin.
const (
	DefaultMaxImageSize = 10 * 1024 * 1024
	DefaultMaxVideoSize = 100 * 1024 * 1024

	DefaultTransferSlowAfter   = 30 * time.Second
	DefaultCompleteTimeout     = 65 * time.Second
	DefaultPutTimeout          = 5 * time.Minute
	DefaultModerationInterval  = 2 * time.Second
	DefaultModerationAttempts  = 30
	DefaultAIPollInterval      = 500 * time.Millisecond
	DefaultAIPollAttempts      = 150
	DefaultAIWaitTimeout       = 60 * time.Second
	DefaultAISettleDelay       = 500 * time.Millisecond
	DefaultVariantAwaitTimeout = 10 * time.Second
	DefaultIdleTimeout         = 5 * time.Minute
	DefaultIdleWarning         = 1 * time.Minute
)
