package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes mounts the upload contract. auth runs on every route; presignLimit
// only on /presign.
func (h *UploadHandler) Routes(auth, presignLimit func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(auth)

	r.With(presignLimit).Get("/presign", h.Presign)
	r.Post("/complete", h.Complete)
	r.Post("/moderate", h.Moderate)
	r.Get("/moderation-status", h.ModerationStatus)
	r.Get("/ai-job-status/{id}", h.AIJobStatus)
	r.Post("/variants", h.Variants)
	r.Post("/delete", h.Delete)
	r.Post("/submit", h.Submit)
	return r
}
