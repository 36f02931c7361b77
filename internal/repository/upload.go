package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS media_uploads (
	id            UUID PRIMARY KEY,
	owner_id      UUID NOT NULL,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	object_key    TEXT NOT NULL UNIQUE,
	filename      TEXT NOT NULL DEFAULT '',
	content_type  TEXT NOT NULL DEFAULT '',
	size          BIGINT NOT NULL DEFAULT 0,
	variant_keys  JSONB,
	ai_job_id     TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	moderation_status TEXT NOT NULL DEFAULT 'pending',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
)`

const moderationColumn = `ALTER TABLE media_uploads ADD COLUMN IF NOT EXISTS moderation_status TEXT NOT NULL DEFAULT 'pending'`

const statusIndex = `CREATE INDEX IF NOT EXISTS media_uploads_status_created_idx ON media_uploads (status, created_at)`

const columns = `id, owner_id, kind, status, object_key, filename, content_type, size, variant_keys, ai_job_id, title, error_message, moderation_status, created_at, updated_at`

// UploadRepository is the origin's ledger of presigned objects.
type UploadRepository struct {
	pool *pgxpool.Pool
}

// NewUploadRepository creates a new upload repository.
func NewUploadRepository(pool *pgxpool.Pool) *UploadRepository {
	return &UploadRepository{pool: pool}
}

// EnsureSchema creates the uploads table if it is missing.
func (r *UploadRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{schema, moderationColumn, statusIndex} {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (r *UploadRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Create inserts a new upload record.
func (r *UploadRepository) Create(ctx context.Context, u *domain.Upload) error {
	variantJSON, err := marshalVariants(u.VariantKeys)
	if err != nil {
		return err
	}

	if u.ModerationStatus == "" {
		u.ModerationStatus = domain.ModerationPending
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO media_uploads (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, u.ID, u.OwnerID, u.Kind, u.Status, u.ObjectKey, u.Filename, u.ContentType, u.Size,
		variantJSON, u.AIJobID, u.Title, u.ErrorMessage, u.ModerationStatus, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

// GetByID retrieves an upload by ID. A missing row yields nil, nil.
func (r *UploadRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Upload, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+columns+` FROM media_uploads WHERE id = $1`, id)
	return scanOne(row)
}

// GetByKey retrieves an upload by its object key. A missing row yields nil, nil.
func (r *UploadRepository) GetByKey(ctx context.Context, objectKey string) (*domain.Upload, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+columns+` FROM media_uploads WHERE object_key = $1`, objectKey)
	return scanOne(row)
}

// UpdateStatus updates the status of an upload.
func (r *UploadRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.UploadStatus) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE media_uploads SET status = $2, updated_at = $3 WHERE id = $1
	`, id, status, time.Now())
	return err
}

// UpdateStatusWithError updates status and error message.
func (r *UploadRepository) UpdateStatusWithError(ctx context.Context, id uuid.UUID, status domain.UploadStatus, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE media_uploads SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1
	`, id, status, errMsg, time.Now())
	return err
}

// MarkUploaded records a verified write and the AI job started for it.
func (r *UploadRepository) MarkUploaded(ctx context.Context, id uuid.UUID, size int64, aiJobID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE media_uploads SET status = $2, size = $3, ai_job_id = $4, updated_at = $5
		WHERE id = $1 AND status = $6
	`, id, domain.StatusUploaded, size, aiJobID, time.Now(), domain.StatusPending)
	return err
}

// SetVariants stores the keys of rendered derivatives.
func (r *UploadRepository) SetVariants(ctx context.Context, id uuid.UUID, keys map[string]string) error {
	variantJSON, err := marshalVariants(keys)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE media_uploads SET variant_keys = $2, updated_at = $3 WHERE id = $1
	`, id, variantJSON, time.Now())
	return err
}

// SetModeration records the verdict the origin reported for an upload.
func (r *UploadRepository) SetModeration(ctx context.Context, id uuid.UUID, status domain.ModerationStatus) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE media_uploads SET moderation_status = $2, updated_at = $3 WHERE id = $1
	`, id, status, time.Now())
	return err
}

// MarkSubmitted finalizes an uploaded object. It reports false when the
// upload was not in UPLOADED state or its content was rejected.
func (r *UploadRepository) MarkSubmitted(ctx context.Context, id uuid.UUID, title string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE media_uploads SET status = $2, title = $3, updated_at = $4
		WHERE id = $1 AND status = $5 AND moderation_status <> $6
	`, id, domain.StatusSubmitted, title, time.Now(), domain.StatusUploaded, domain.ModerationRejected)
	if err != nil {
		return false, fmt.Errorf("failed to mark submitted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStale returns uploads that were never submitted (PENDING or UPLOADED
// older than openAge) and tombstones (DELETED or FAILED older than
// tombstoneAge).
func (r *UploadRepository) ListStale(ctx context.Context, openAge, tombstoneAge time.Duration, limit int) ([]*domain.Upload, error) {
	now := time.Now()
	rows, err := r.pool.Query(ctx, `
		SELECT `+columns+` FROM media_uploads
		WHERE (status IN ($1, $2) AND created_at < $3)
		   OR (status IN ($4, $5) AND updated_at < $6)
		ORDER BY created_at
		LIMIT $7
	`, domain.StatusPending, domain.StatusUploaded, now.Add(-openAge),
		domain.StatusDeleted, domain.StatusFailed, now.Add(-tombstoneAge), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*domain.Upload
	for rows.Next() {
		u, err := scan(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// Delete permanently removes an upload record.
func (r *UploadRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM media_uploads WHERE id = $1", id)
	return err
}

func scanOne(row pgx.Row) (*domain.Upload, error) {
	u, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func scan(row pgx.Row) (*domain.Upload, error) {
	var u domain.Upload
	var variantJSON []byte
	err := row.Scan(&u.ID, &u.OwnerID, &u.Kind, &u.Status, &u.ObjectKey, &u.Filename, &u.ContentType,
		&u.Size, &variantJSON, &u.AIJobID, &u.Title, &u.ErrorMessage, &u.ModerationStatus, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan upload: %w", err)
	}
	if len(variantJSON) > 0 {
		if err := json.Unmarshal(variantJSON, &u.VariantKeys); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variant_keys: %w", err)
		}
	}
	return &u, nil
}

func marshalVariants(keys map[string]string) ([]byte, error) {
	if keys == nil {
		return nil, nil
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variant_keys: %w", err)
	}
	return b, nil
}
