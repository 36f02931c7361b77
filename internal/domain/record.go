package domain

import (
	"time"

	"github.com/google/uuid"
)

// UploadStatus represents the origin's view of a stored object.
type UploadStatus string

const (
	StatusPending   UploadStatus = "PENDING"
	StatusUploaded  UploadStatus = "UPLOADED"
	StatusSubmitted UploadStatus = "SUBMITTED"
	StatusDeleted   UploadStatus = "DELETED"
	StatusFailed    UploadStatus = "FAILED"
)

// Upload is the origin's ledger entry for one presigned object.
type Upload struct {
	ID           uuid.UUID         `json:"id"`
	OwnerID      uuid.UUID         `json:"owner_id"`
	Kind         Kind              `json:"kind"`
	Status       UploadStatus      `json:"status"`
	ObjectKey    string            `json:"-"` // never exposed
	Filename     string            `json:"filename"`
	ContentType  string            `json:"content_type"`
	Size         int64             `json:"size"`
	VariantKeys  map[string]string `json:"variant_keys,omitempty"`
	AIJobID      string            `json:"ai_job_id,omitempty"`
	Title        string            `json:"title,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	// ModerationStatus is the verdict after severity remapping.
	ModerationStatus ModerationStatus `json:"moderation_status"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// IsTerminal returns true if the object can no longer change.
func (u *Upload) IsTerminal() bool {
	return u.Status == StatusSubmitted || u.Status == StatusDeleted || u.Status == StatusFailed
}

// VariantSpec defines one derivative rendition of an image.
type VariantSpec struct {
	Name   string // e.g. "thumb", "medium", "large"
	Width  int
	Height int  // 0 = preserve aspect ratio
	Crop   bool // true = center crop to exact dimensions
}

// ImageVariants are rendered for every still image.
var ImageVariants = []VariantSpec{
	{Name: "thumb", Width: 300, Height: 300, Crop: true},
	{Name: "medium", Width: 800, Height: 0, Crop: false},
	{Name: "large", Width: 1600, Height: 0, Crop: false},
}
