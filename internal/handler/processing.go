package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/imaging"
	"github.com/baechuer/cityevents/services/media-uploader/internal/jobs"
	"github.com/baechuer/cityevents/services/media-uploader/internal/messaging"
	"github.com/baechuer/cityevents/services/media-uploader/internal/middleware"
)

type moderateRequest struct {
	FileKey  string `json:"file_key" validate:"required"`
	ImageURL string `json:"image_url"`
	IsVideo  bool   `json:"is_video"`
}

// ModerationResponse is either a verdict or a task handle.
type ModerationResponse struct {
	Status   string `json:"status,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	AIJobID  string `json:"ai_job_id,omitempty"`
}

// Moderate returns the configured verdict, immediately or through a task
// that resolves after ModerationDelay.
func (h *UploadHandler) Moderate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req moderateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	upload, ok := h.ownedUpload(w, r, req.FileKey)
	if !ok {
		return
	}
	if upload.Status != domain.StatusUploaded {
		h.errorResponse(w, http.StatusConflict, "upload is not complete")
		return
	}

	// The ledger keeps the verdict Submit enforces, even when it is reported
	// through a task.
	verdict := domain.EffectiveModeration(domain.ModerationStatus(h.cfg.ModerationVerdict), domain.Severity(h.cfg.ModerationSeverity))
	if err := h.repo.SetModeration(ctx, upload.ID, verdict); err != nil {
		h.log.Error().Err(err).Msg("failed to record moderation verdict")
		h.errorResponse(w, http.StatusInternalServerError, "failed to record moderation")
		return
	}
	if verdict == domain.ModerationRejected {
		middleware.UploadEvents.WithLabelValues("rejected", string(upload.Kind)).Inc()
	}

	if !h.cfg.ModerationAsync {
		h.jsonResponse(w, http.StatusOK, ModerationResponse{
			Status:   h.cfg.ModerationVerdict,
			Severity: h.cfg.ModerationSeverity,
			AIJobID:  upload.AIJobID,
		})
		return
	}

	task := jobs.ModerationTask{
		ID:       uuid.NewString(),
		OwnerID:  upload.OwnerID.String(),
		Status:   h.cfg.ModerationVerdict,
		Severity: h.cfg.ModerationSeverity,
		AIJobID:  upload.AIJobID,
		ReadyAt:  h.now().Add(h.cfg.ModerationDelay),
	}
	if err := h.jobs.CreateModerationTask(ctx, task); err != nil {
		h.log.Error().Err(err).Msg("failed to create moderation task")
		h.errorResponse(w, http.StatusInternalServerError, "failed to queue moderation")
		return
	}
	h.jsonResponse(w, http.StatusAccepted, ModerationResponse{TaskID: task.ID, AIJobID: task.AIJobID})
}

// ModerationStatus reports an asynchronous moderation task.
func (h *UploadHandler) ModerationStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		h.errorResponse(w, http.StatusBadRequest, "missing task_id")
		return
	}

	task, ok := h.ownedRecord(w, r, func(ctx context.Context) (string, any, error) {
		t, err := h.jobs.GetModerationTask(ctx, taskID)
		if err != nil {
			return "", nil, err
		}
		return t.OwnerID, t, nil
	})
	if !ok {
		return
	}
	t := task.(*jobs.ModerationTask)

	resp := ModerationResponse{Status: t.Resolve(h.now()), AIJobID: t.AIJobID}
	if resp.Status == t.Status {
		resp.Severity = t.Severity
		resp.Message = t.Message
	}
	h.jsonResponse(w, http.StatusOK, resp)
}

// AIJobStatusResponse reports a content-generation job.
type AIJobStatusResponse struct {
	Progress int    `json:"progress"`
	Complete bool   `json:"complete"`
	Error    string `json:"error,omitempty"`
}

// AIJobStatus reports job progress: 404 for unknown jobs, 403 for jobs owned
// by another user.
func (h *UploadHandler) AIJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := h.ownedRecord(w, r, func(ctx context.Context) (string, any, error) {
		j, err := h.jobs.Get(ctx, id)
		if err != nil {
			return "", nil, err
		}
		return j.OwnerID, j, nil
	})
	if !ok {
		return
	}
	j := rec.(*jobs.Job)

	h.jsonResponse(w, http.StatusOK, AIJobStatusResponse{
		Progress: j.Progress,
		Complete: j.Complete,
		Error:    j.Error,
	})
}

// ownedRecord loads a Redis-backed record and checks ownership.
func (h *UploadHandler) ownedRecord(w http.ResponseWriter, r *http.Request, load func(context.Context) (string, any, error)) (any, bool) {
	ownerID, ok := middleware.UserID(r.Context())
	if !ok {
		h.errorResponse(w, http.StatusUnauthorized, "missing user ID")
		return nil, false
	}

	owner, rec, err := load(r.Context())
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		h.errorResponse(w, http.StatusNotFound, "not found")
		return nil, false
	case err != nil:
		h.log.Error().Err(err).Msg("failed to load job")
		h.errorResponse(w, http.StatusInternalServerError, "failed to load job")
		return nil, false
	case owner != ownerID.String():
		h.errorResponse(w, http.StatusForbidden, "not authorized")
		return nil, false
	}
	return rec, true
}

type variantsRequest struct {
	FileKey string `json:"file_key" validate:"required"`
}

// VariantsResponse lists generated derivative URLs.
type VariantsResponse struct {
	Success bool              `json:"success"`
	URLs    map[string]string `json:"urls"`
	Error   string            `json:"error,omitempty"`
}

// Variants renders thumb/medium/large for an image and returns their URLs.
// Repeated calls return the stored variants.
func (h *UploadHandler) Variants(w http.ResponseWriter, r *http.Request) {
	var req variantsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	upload, ok := h.ownedUpload(w, r, req.FileKey)
	if !ok {
		return
	}
	if upload.Kind == domain.KindVideo {
		h.jsonResponse(w, http.StatusOK, VariantsResponse{Success: true, URLs: map[string]string{}})
		return
	}
	if upload.Status != domain.StatusUploaded && upload.Status != domain.StatusSubmitted {
		h.errorResponse(w, http.StatusConflict, "upload is not complete")
		return
	}

	urls, err := h.renderVariants(r.Context(), upload)
	if err != nil {
		h.log.Warn().Err(err).Str("key", upload.ObjectKey).Msg("variant rendering failed")
		h.jsonResponse(w, http.StatusUnprocessableEntity, VariantsResponse{Error: "failed to generate variants"})
		return
	}
	h.jsonResponse(w, http.StatusOK, VariantsResponse{Success: true, URLs: urls})
}

// renderVariants renders and stores derivatives unless they already exist.
// It updates u.VariantKeys.
func (h *UploadHandler) renderVariants(ctx context.Context, u *domain.Upload) (map[string]string, error) {
	if len(u.VariantKeys) == 0 {
		keys, err := h.render(ctx, u)
		if err != nil {
			return nil, err
		}
		u.VariantKeys = keys
	}

	urls := make(map[string]string, len(u.VariantKeys))
	for name, key := range u.VariantKeys {
		urls[name] = h.s3.PublicURL(key)
	}
	return urls, nil
}

func (h *UploadHandler) render(ctx context.Context, u *domain.Upload) (map[string]string, error) {
	body, err := h.s3.GetObject(ctx, u.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	limit := h.cfg.MaxImageSize
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read original: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, errors.New("original exceeds size limit")
	}

	rendered, err := imaging.Render(data, domain.ImageVariants, h.cfg.MaxImageWidth, h.cfg.MaxImageHeight)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]string, len(rendered))
	for _, v := range rendered {
		key := fmt.Sprintf("variants/%s_%s.jpg", u.ID, v.Name)
		if err := h.s3.PutPublicObject(ctx, key, bytes.NewReader(v.Data), v.ContentType, int64(len(v.Data))); err != nil {
			return nil, err
		}
		keys[v.Name] = key
	}

	if err := h.repo.SetVariants(ctx, u.ID, keys); err != nil {
		return nil, fmt.Errorf("failed to store variant keys: %w", err)
	}

	urls := make(map[string]string, len(keys))
	for name, key := range keys {
		urls[name] = h.s3.PublicURL(key)
	}
	err = h.publisher.PublishVariantsReady(ctx, messaging.VariantsReadyMessage{
		UploadID:  u.ID.String(),
		ObjectKey: u.ObjectKey,
		URLs:      urls,
	})
	if err != nil {
		h.log.Warn().Err(err).Str("id", u.ID.String()).Msg("failed to publish variants ready message")
	}
	return keys, nil
}
