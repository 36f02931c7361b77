package intake

import (
	"fmt"

	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
)

// Rules are the intake limits.
type Rules struct {
	ImageTypes   []string
	VideoTypes   []string
	MaxImageSize int64
	MaxVideoSize int64
}

// RulesFromConfig extracts intake limits from client configuration.
func RulesFromConfig(cfg *config.Client) Rules {
	return Rules{
		ImageTypes:   cfg.AllowedImageTypes,
		VideoTypes:   cfg.AllowedVideoTypes,
		MaxImageSize: cfg.MaxImageSize,
		MaxVideoSize: cfg.MaxVideoSize,
	}
}

// Result is the outcome of validating one file.
type Result struct {
	OK      bool
	Kind    domain.Kind
	Reason  domain.RejectReason
	Message string
}

// Err returns the validation failure as an error, or nil when OK.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &domain.ValidationError{Reason: r.Reason, Message: r.Message}
}

// Validator checks type and size. It has no side effects.
type Validator struct {
	rules  Rules
	images map[string]struct{}
	videos map[string]struct{}
}

// NewValidator creates a validator for the given rules.
func NewValidator(rules Rules) *Validator {
	v := &Validator{
		rules:  rules,
		images: make(map[string]struct{}, len(rules.ImageTypes)),
		videos: make(map[string]struct{}, len(rules.VideoTypes)),
	}
	for _, t := range rules.ImageTypes {
		v.images[normalizeType(t)] = struct{}{}
	}
	for _, t := range rules.VideoTypes {
		v.videos[normalizeType(t)] = struct{}{}
	}
	return v
}

// Validate classifies f or reports the first constraint it violates.
func (v *Validator) Validate(f File) Result {
	contentType := normalizeType(f.ContentType)

	var kind domain.Kind
	if _, ok := v.images[contentType]; ok {
		kind = domain.KindImage
	} else if _, ok := v.videos[contentType]; ok {
		kind = domain.KindVideo
	} else {
		return Result{
			Reason:  domain.ReasonUnsupportedType,
			Message: "Invalid file type. Please upload an image (JPEG, PNG, WebP, GIF) or video (MP4, MOV, WebM).",
		}
	}

	if f.Size <= 0 {
		return Result{Kind: kind, Reason: domain.ReasonEmpty, Message: "The selected file is empty."}
	}

	maxSize := v.rules.MaxImageSize
	if kind == domain.KindVideo {
		maxSize = v.rules.MaxVideoSize
	}
	if f.Size > maxSize {
		return Result{
			Kind:    kind,
			Reason:  domain.ReasonTooLarge,
			Message: fmt.Sprintf("File too large. Maximum size is %dMB.", maxSize/(1024*1024)),
		}
	}

	return Result{OK: true, Kind: kind}
}
