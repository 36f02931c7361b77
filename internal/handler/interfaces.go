package handler

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/jobs"
	"github.com/baechuer/cityevents/services/media-uploader/internal/messaging"
)

// UploadRepository defines database operations for uploads.
type UploadRepository interface {
	Create(ctx context.Context, upload *domain.Upload) error
	GetByKey(ctx context.Context, objectKey string) (*domain.Upload, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.UploadStatus) error
	UpdateStatusWithError(ctx context.Context, id uuid.UUID, status domain.UploadStatus, errMsg string) error
	MarkUploaded(ctx context.Context, id uuid.UUID, size int64, aiJobID string) error
	SetVariants(ctx context.Context, id uuid.UUID, keys map[string]string) error
	SetModeration(ctx context.Context, id uuid.UUID, status domain.ModerationStatus) error
	MarkSubmitted(ctx context.Context, id uuid.UUID, title string) (bool, error)
}

// FileStorage defines object storage operations.
type FileStorage interface {
	PresignPut(ctx context.Context, objectKey, contentType string) (string, error)
	PresignGet(ctx context.Context, objectKey string) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, int64, error)
	GetObject(ctx context.Context, objectKey string) (io.ReadCloser, error)
	PutPublicObject(ctx context.Context, objectKey string, data io.Reader, contentType string, size int64) error
	DeleteRawObject(ctx context.Context, objectKey string) error
	PublicURL(objectKey string) string
}

// MessagePublisher defines message publishing operations.
type MessagePublisher interface {
	PublishAIGenerate(ctx context.Context, msg messaging.AIGenerateMessage) error
	PublishVariantsReady(ctx context.Context, msg messaging.VariantsReadyMessage) error
}

// JobStore tracks AI jobs and asynchronous moderation tasks.
type JobStore interface {
	Create(ctx context.Context, j jobs.Job) error
	Get(ctx context.Context, id string) (*jobs.Job, error)
	CreateModerationTask(ctx context.Context, t jobs.ModerationTask) error
	GetModerationTask(ctx context.Context, id string) (*jobs.ModerationTask, error)
}
