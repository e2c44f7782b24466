package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/scry-ingest/internal/api/middleware"
	"github.com/phrazzld/scry-ingest/internal/api/shared"
)

// NewRouter mounts the admin routes.
func NewRouter(h *Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.Trace(logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/parse-tasks", h.CreateParseTask)
		r.Post("/parse-tasks/bulk", h.CreateParseTasks)
		r.Get("/units/{id}", h.GetUnit)
		r.Post("/kicks", h.Kick)

		r.Get("/jobs/active", h.JobsActive)
		r.Post("/jobs/cancel", h.CancelJobs)
		r.Get("/jobs/{id}", h.GetJob)

		r.Post("/pipeline/run-once", h.RunOnce)
		r.Post("/pipeline/drain", h.Drain)

		if h.deps.Quotas != nil {
			r.Get("/teams/{id}/quota", h.GetQuota)
		}
	})
	return r
}
