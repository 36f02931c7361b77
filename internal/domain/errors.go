package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRateLimited        = errors.New("upload_rate_limited")
	ErrModerationRejected = errors.New("moderation_rejected")
	ErrModerationTimeout  = errors.New("moderation_timeout")
	ErrModerationFailed   = errors.New("moderation_failed")
	ErrAIJobTimeout       = errors.New("ai_job_timeout")
	ErrAIJobAuth          = errors.New("ai_job_unauthorized")
	ErrAIJobMissing       = errors.New("ai_job_missing")
	ErrAIJobFailed        = errors.New("ai_job_failed")
	ErrVariantFailure     = errors.New("variant_generation_failed")
	ErrSubmitNotAllowed   = errors.New("submit_not_allowed")
	ErrSubmitFailed       = errors.New("submit_failed")
	ErrNoFile             = errors.New("no_file_selected")
	ErrBusy               = errors.New("transfer_in_progress")
)

// RejectReason identifies which intake constraint a file violated.
type RejectReason string

const (
	ReasonUnsupportedType RejectReason = "unsupported_type"
	ReasonTooLarge        RejectReason = "too_large"
	ReasonEmpty           RejectReason = "empty"
)

// ValidationError is returned for files rejected before any network call.
type ValidationError struct {
	Reason  RejectReason
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %s", e.Reason, e.Message)
}

// TransferStep names the network call a transfer failed on.
type TransferStep string

const (
	StepPresign  TransferStep = "presign"
	StepPut      TransferStep = "put"
	StepComplete TransferStep = "complete"
)

// TransferError is a retryable storage or network failure.
type TransferError struct {
	Step       TransferStep
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer failed at %s [%d]: %v", e.Step, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transfer failed at %s: %v", e.Step, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// UserMessage maps an error from the taxonomy to the text shown to the user.
func UserMessage(err error) string {
	var verr *ValidationError
	var terr *TransferError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return verr.Message
	case errors.Is(err, ErrRateLimited):
		return "You're uploading too quickly. Please wait a few minutes before trying again."
	case errors.As(err, &terr):
		return "Upload failed. Please try again."
	case errors.Is(err, ErrModerationRejected):
		return "This content violates our guidelines and cannot be uploaded."
	case errors.Is(err, ErrModerationTimeout), errors.Is(err, ErrModerationFailed):
		return "We couldn't verify this file meets our guidelines. Please try again."
	case errors.Is(err, ErrAIJobTimeout):
		return "Our AI is busy. Please try submitting again in a moment."
	case errors.Is(err, ErrAIJobAuth), errors.Is(err, ErrAIJobMissing), errors.Is(err, ErrAIJobFailed):
		return "Content generation is unavailable for this upload. Please try again."
	case errors.Is(err, ErrSubmitNotAllowed):
		return "Please wait until the content check has finished."
	default:
		return "Something went wrong. Please try again."
	}
}
