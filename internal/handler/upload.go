package handler

import (
	"context"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/jobs"
	"github.com/baechuer/cityevents/services/media-uploader/internal/messaging"
	"github.com/baechuer/cityevents/services/media-uploader/internal/middleware"
)

// UploadHandler serves the upload contract: presign, complete, moderation,
// AI job status, variants, delete and submit.
type UploadHandler struct {
	repo      UploadRepository
	s3        FileStorage
	publisher MessagePublisher
	jobs      JobStore
	cfg       *config.Origin
	log       zerolog.Logger
	now       func() time.Time
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(
	repo UploadRepository,
	s3 FileStorage,
	publisher MessagePublisher,
	jobStore JobStore,
	cfg *config.Origin,
	log zerolog.Logger,
) *UploadHandler {
	return &UploadHandler{
		repo:      repo,
		s3:        s3,
		publisher: publisher,
		jobs:      jobStore,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// PresignResponse is the response for a presigned upload URL.
type PresignResponse struct {
	PresignedURL string `json:"presigned_url"`
	FileKey      string `json:"file_key"`
	ExpiresAt    string `json:"expires_at"`
}

type presignQuery struct {
	ContentType   string `json:"content_type" validate:"required"`
	ContentLength int64  `json:"content_length" validate:"gt=0"`
	Filename      string `json:"filename" validate:"required,max=255"`
}

// Presign records a PENDING upload and returns a presigned PUT URL.
func (h *UploadHandler) Presign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := middleware.UserID(ctx)
	if !ok {
		h.errorResponse(w, http.StatusUnauthorized, "missing user ID")
		return
	}

	q := r.URL.Query()
	size, err := strconv.ParseInt(q.Get("content_length"), 10, 64)
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid content_length")
		return
	}
	req := presignQuery{
		ContentType:   baseMIME(q.Get("content_type")),
		ContentLength: size,
		Filename:      q.Get("filename"),
	}
	if err := validateStruct(req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if !slices.Contains(h.cfg.AllowedMIME, req.ContentType) {
		h.errorResponse(w, http.StatusBadRequest, "unsupported file type")
		return
	}
	if req.ContentLength > h.cfg.MaxSizeFor(req.ContentType) {
		h.errorResponse(w, http.StatusBadRequest, "file too large")
		return
	}

	uploadID := uuid.New()
	objectKey := "raw/" + uploadID.String() + extensionFor(req.ContentType, req.Filename)
	now := h.now()

	upload := &domain.Upload{
		ID:          uploadID,
		OwnerID:     ownerID,
		Kind:        kindOf(req.ContentType),
		Status:      domain.StatusPending,
		ObjectKey:   objectKey,
		Filename:    filepath.Base(req.Filename),
		ContentType: req.ContentType,
		Size:        req.ContentLength,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.repo.Create(ctx, upload); err != nil {
		h.log.Error().Err(err).Msg("failed to create upload record")
		h.errorResponse(w, http.StatusInternalServerError, "failed to create upload")
		return
	}

	presignedURL, err := h.s3.PresignPut(ctx, objectKey, req.ContentType)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to generate presigned URL")
		h.errorResponse(w, http.StatusInternalServerError, "failed to generate upload URL")
		return
	}

	middleware.UploadEvents.WithLabelValues("presigned", string(upload.Kind)).Inc()
	h.jsonResponse(w, http.StatusOK, PresignResponse{
		PresignedURL: presignedURL,
		FileKey:      objectKey,
		ExpiresAt:    now.Add(h.cfg.PresignTTL).Format(time.RFC3339),
	})
}

// CompleteRequest confirms a finished direct write.
type CompleteRequest struct {
	FileKey      string `json:"file_key" validate:"required"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type"`
	ResourceType string `json:"resource_type" validate:"omitempty,oneof=image video"`
	Quick        bool   `json:"quick"`
}

// CompleteResponse is the canonical view of a stored object.
type CompleteResponse struct {
	FileKey          string            `json:"file_key"`
	URLs             map[string]string `json:"urls"`
	VariantsPending  bool              `json:"variants_pending"`
	IsVideo          bool              `json:"is_video"`
	ModerationStatus string            `json:"moderation_status"`
	AIJobID          string            `json:"ai_job_id,omitempty"`
}

// Complete verifies the object, marks it UPLOADED and starts its AI job.
// Repeating it for an UPLOADED object returns the same response.
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	upload, ok := h.ownedUpload(w, r, req.FileKey)
	if !ok {
		return
	}

	switch upload.Status {
	case domain.StatusUploaded:
		h.jsonResponse(w, http.StatusOK, h.completeResponse(ctx, upload))
		return
	case domain.StatusPending:
	default:
		h.errorResponse(w, http.StatusConflict, "upload is "+strings.ToLower(string(upload.Status)))
		return
	}

	exists, size, err := h.s3.ObjectExists(ctx, upload.ObjectKey)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to check object existence")
		h.errorResponse(w, http.StatusInternalServerError, "failed to verify upload")
		return
	}
	if !exists {
		h.errorResponse(w, http.StatusBadRequest, "file not uploaded yet")
		return
	}

	if size > h.cfg.MaxSizeFor(upload.ContentType) {
		if err := h.s3.DeleteRawObject(ctx, upload.ObjectKey); err != nil {
			h.log.Warn().Err(err).Str("key", upload.ObjectKey).Msg("failed to delete oversized object")
		}
		_ = h.repo.UpdateStatusWithError(ctx, upload.ID, domain.StatusFailed, "file too large")
		h.errorResponse(w, http.StatusBadRequest, "file too large")
		return
	}

	jobID := uuid.NewString()
	if err := h.jobs.Create(ctx, jobs.Job{ID: jobID, OwnerID: upload.OwnerID.String(), ObjectKey: upload.ObjectKey}); err != nil {
		h.log.Error().Err(err).Msg("failed to create ai job")
		h.errorResponse(w, http.StatusInternalServerError, "failed to start processing")
		return
	}
	if err := h.repo.MarkUploaded(ctx, upload.ID, size, jobID); err != nil {
		h.log.Error().Err(err).Msg("failed to update status")
		h.errorResponse(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	upload.Status = domain.StatusUploaded
	upload.Size = size
	upload.AIJobID = jobID

	err = h.publisher.PublishAIGenerate(ctx, messaging.AIGenerateMessage{
		JobID:     jobID,
		UploadID:  upload.ID.String(),
		OwnerID:   upload.OwnerID.String(),
		ObjectKey: upload.ObjectKey,
		IsVideo:   upload.Kind == domain.KindVideo,
	})
	if err != nil {
		// the job stays at 0 and the client's wait times out
		h.log.Error().Err(err).Str("job_id", jobID).Msg("failed to publish ai generate message")
	}

	if upload.Kind == domain.KindImage && !req.Quick {
		if _, err := h.renderVariants(ctx, upload); err != nil {
			h.log.Warn().Err(err).Str("key", upload.ObjectKey).Msg("inline variant rendering failed")
		}
	}

	middleware.UploadEvents.WithLabelValues("uploaded", string(upload.Kind)).Inc()
	h.jsonResponse(w, http.StatusOK, h.completeResponse(ctx, upload))
}

func (h *UploadHandler) completeResponse(ctx context.Context, u *domain.Upload) CompleteResponse {
	urls := map[string]string{}
	if original, err := h.s3.PresignGet(ctx, u.ObjectKey); err != nil {
		h.log.Warn().Err(err).Str("key", u.ObjectKey).Msg("failed to presign original")
	} else {
		urls["original"] = original
	}
	for name, key := range u.VariantKeys {
		urls[name] = h.s3.PublicURL(key)
	}

	isVideo := u.Kind == domain.KindVideo
	return CompleteResponse{
		FileKey:          u.ObjectKey,
		URLs:             urls,
		VariantsPending:  !isVideo && len(u.VariantKeys) == 0,
		IsVideo:          isVideo,
		ModerationStatus: string(moderationOf(u)),
		AIJobID:          u.AIJobID,
	}
}

type deleteRequest struct {
	FileKey string `json:"file_key" validate:"required"`
	IsVideo bool   `json:"is_video"`
}

// Delete removes a raw object that was never submitted. It accepts a JSON
// body or a form post (unload beacon) and is idempotent.
func (h *UploadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req deleteRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		if err := r.ParseForm(); err != nil {
			h.errorResponse(w, http.StatusBadRequest, "invalid form")
			return
		}
		req.FileKey = r.PostFormValue("file_key")
		req.IsVideo, _ = strconv.ParseBool(r.PostFormValue("is_video"))
		if err := validateStruct(req); err != nil {
			h.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	} else if err := decodeJSON(w, r, &req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ownerID, ok := middleware.UserID(ctx)
	if !ok {
		h.errorResponse(w, http.StatusUnauthorized, "missing user ID")
		return
	}
	upload, err := h.repo.GetByKey(ctx, req.FileKey)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to get upload")
		h.errorResponse(w, http.StatusInternalServerError, "failed to get upload")
		return
	}
	if upload == nil {
		h.jsonResponse(w, http.StatusOK, map[string]bool{"deleted": false})
		return
	}
	if upload.OwnerID != ownerID {
		h.errorResponse(w, http.StatusForbidden, "not authorized")
		return
	}

	switch upload.Status {
	case domain.StatusSubmitted:
		h.errorResponse(w, http.StatusConflict, "upload already submitted")
		return
	case domain.StatusDeleted:
		h.jsonResponse(w, http.StatusOK, map[string]bool{"deleted": true})
		return
	}

	if err := h.s3.DeleteRawObject(ctx, upload.ObjectKey); err != nil {
		h.log.Error().Err(err).Str("key", upload.ObjectKey).Msg("failed to delete raw object")
		h.errorResponse(w, http.StatusInternalServerError, "failed to delete object")
		return
	}
	if err := h.repo.UpdateStatus(ctx, upload.ID, domain.StatusDeleted); err != nil {
		// the sweeper reconciles the row later
		h.log.Error().Err(err).Str("id", upload.ID.String()).Msg("failed to mark upload deleted")
	}

	middleware.UploadEvents.WithLabelValues("deleted", string(upload.Kind)).Inc()
	h.log.Info().Str("key", upload.ObjectKey).Msg("deleted unsubmitted upload")
	h.jsonResponse(w, http.StatusOK, map[string]bool{"deleted": true})
}

type submitForm struct {
	FileKey string `form:"b2_file_key" validate:"required"`
	Title   string `form:"title" validate:"required,max=200"`
	Content string `form:"content" validate:"max=10000"`
}

// SubmitResponse tells the page where to go next.
type SubmitResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// Submit finalizes an UPLOADED object from the multipart post form.
func (h *UploadHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, 2<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid form")
		return
	}

	form := submitForm{
		FileKey: r.PostFormValue("b2_file_key"),
		Title:   strings.TrimSpace(r.PostFormValue("title")),
		Content: r.PostFormValue("content"),
	}
	if err := validateStruct(form); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	upload, ok := h.ownedUpload(w, r, form.FileKey)
	if !ok {
		return
	}
	if upload.ModerationStatus == domain.ModerationRejected {
		h.log.Warn().Str("id", upload.ID.String()).Msg("submit refused for rejected content")
		h.errorResponse(w, http.StatusConflict, "content was rejected by moderation")
		return
	}

	submitted, err := h.repo.MarkSubmitted(ctx, upload.ID, form.Title)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to mark submitted")
		h.errorResponse(w, http.StatusInternalServerError, "failed to submit")
		return
	}
	if !submitted {
		h.errorResponse(w, http.StatusConflict, "upload is not ready for submission")
		return
	}

	middleware.UploadEvents.WithLabelValues("submitted", string(upload.Kind)).Inc()
	h.log.Info().Str("id", upload.ID.String()).Str("key", upload.ObjectKey).Msg("upload submitted")
	h.jsonResponse(w, http.StatusOK, SubmitResponse{
		RedirectURL: strings.TrimRight(h.cfg.PublicURL, "/") + "/posts/" + upload.ID.String(),
	})
}

func moderationOf(u *domain.Upload) domain.ModerationStatus {
	if u.ModerationStatus == "" {
		return domain.ModerationPending
	}
	return u.ModerationStatus
}

// ownedUpload loads the upload for key and checks the caller owns it,
// writing the error response when it does not.
func (h *UploadHandler) ownedUpload(w http.ResponseWriter, r *http.Request, key string) (*domain.Upload, bool) {
	ownerID, ok := middleware.UserID(r.Context())
	if !ok {
		h.errorResponse(w, http.StatusUnauthorized, "missing user ID")
		return nil, false
	}

	upload, err := h.repo.GetByKey(r.Context(), key)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to get upload")
		h.errorResponse(w, http.StatusInternalServerError, "failed to get upload")
		return nil, false
	}
	if upload == nil {
		h.errorResponse(w, http.StatusNotFound, "upload not found")
		return nil, false
	}
	if upload.OwnerID != ownerID {
		h.errorResponse(w, http.StatusForbidden, "not authorized")
		return nil, false
	}
	return upload, true
}

func baseMIME(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

func kindOf(contentType string) domain.Kind {
	if strings.HasPrefix(contentType, "video/") {
		return domain.KindVideo
	}
	return domain.KindImage
}

// extensionFor prefers the registered extension of the content type and
// falls back to a sanitized filename extension.
func extensionFor(contentType, filename string) string {
	if mt := mimetype.Lookup(contentType); mt != nil && mt.Extension() != "" {
		return mt.Extension()
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || len(ext) > 6 || strings.ContainsFunc(ext[1:], func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	}) {
		return ".bin"
	}
	return ext
}
