package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/scry-ingest/internal/api/shared"
	"github.com/phrazzld/scry-ingest/internal/pipeline"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
	"github.com/phrazzld/scry-ingest/internal/queue"
	"github.com/phrazzld/scry-ingest/internal/quota"
	"github.com/phrazzld/scry-ingest/internal/task"
	"github.com/phrazzld/scry-ingest/internal/training"
)

// ParseTaskCreator stores parse units.
type ParseTaskCreator interface {
	CreateParseTask(ctx context.Context, req training.ParseRequest) (*training.WorkUnit, error)
	CreateParseTasks(ctx context.Context, reqs []training.ParseRequest) ([]*training.WorkUnit, error)
}

// UnitReader returns stored units.
type UnitReader interface {
	Get(ctx context.Context, id uuid.UUID) (*training.WorkUnit, error)
}

// KickEnqueuer schedules runner kicks.
type KickEnqueuer interface {
	Enqueue(ctx context.Context, p task.KickPayload) (*queue.Handle, error)
	EnqueueMany(ctx context.Context, ps []task.KickPayload) ([]*queue.Handle, error)
}

// JobQueue is the part of the parse queue the API exposes.
type JobQueue interface {
	Backend() queue.Backend
	IsActive(ctx context.Context, c queue.Correlation) bool
	CancelByCorrelation(ctx context.Context, c queue.Correlation, opts queue.CleanupOptions) queue.CleanupResult
}

// PipelineRunner runs pipeline iterations on demand.
type PipelineRunner interface {
	RunOnce(ctx context.Context) pipeline.Result
	Drain(ctx context.Context) []pipeline.Result
}

// QuotaReader returns the stored quota of a team.
type QuotaReader interface {
	Quota(ctx context.Context, teamID uuid.UUID) (quota.TeamQuota, error)
}

// Deps are the collaborators of the admin API. Quotas may be nil, in which
// case the quota route is not mounted.
type Deps struct {
	Producer ParseTaskCreator
	Units    UnitReader
	Kicker   KickEnqueuer
	Jobs     JobQueue
	Runner   PipelineRunner
	Quotas   QuotaReader
	Cleanup  queue.CleanupOptions
}

// Handler serves the admin API.
type Handler struct {
	deps Deps
}

// NewHandler creates a handler.
func NewHandler(deps Deps) (*Handler, error) {
	switch {
	case deps.Producer == nil:
		return nil, errors.New("producer cannot be nil")
	case deps.Units == nil:
		return nil, errors.New("unit reader cannot be nil")
	case deps.Kicker == nil:
		return nil, errors.New("kicker cannot be nil")
	case deps.Jobs == nil:
		return nil, errors.New("job queue cannot be nil")
	case deps.Runner == nil:
		return nil, errors.New("pipeline runner cannot be nil")
	}
	return &Handler{deps: deps}, nil
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := shared.DecodeJSON(r, v); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return false
	}
	if err := shared.ValidateRequest(v); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// CreateParseTask handles POST /v1/parse-tasks.
func (h *Handler) CreateParseTask(w http.ResponseWriter, r *http.Request) {
	var req training.ParseRequest
	if !decodeValid(w, r, &req) {
		return
	}
	unit, err := h.deps.Producer.CreateParseTask(r.Context(), req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("parse task accepted",
		"unit_id", unit.ID, "team_id", unit.TeamID, "collection_id", unit.CollectionID)
	shared.RespondWithJSON(w, r, http.StatusAccepted, CreateParseTaskResponse{UnitID: unit.ID, BillingID: unit.BillingID})
}

// CreateParseTasks handles POST /v1/parse-tasks/bulk. Units are stored first
// and then kicked as one spread-out batch. The units are durable once
// stored, so a failed kick is only logged: the runner finds them by polling.
func (h *Handler) CreateParseTasks(w http.ResponseWriter, r *http.Request) {
	var req BulkParseTaskRequest
	if !decodeValid(w, r, &req) {
		return
	}
	units, err := h.deps.Producer.CreateParseTasks(r.Context(), req.Tasks)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	log := logger.FromContext(r.Context())
	kicks := make([]task.KickPayload, len(units))
	resp := BulkParseTaskResponse{Units: make([]CreateParseTaskResponse, len(units))}
	for i, u := range units {
		kicks[i] = task.KickPayload{TeamID: u.TeamID, UnitID: u.ID}
		resp.Units[i] = CreateParseTaskResponse{UnitID: u.ID, BillingID: u.BillingID}
	}
	handles, err := h.deps.Kicker.EnqueueMany(r.Context(), kicks)
	if err != nil {
		log.Warn("failed to kick bulk parse tasks", "units", len(units), "error", err)
	}
	for _, hd := range handles {
		if !hd.Deduplicated {
			resp.Kicks++
		}
	}
	log.Info("bulk parse tasks accepted", "units", len(units), "kicks", resp.Kicks)
	shared.RespondWithJSON(w, r, http.StatusAccepted, resp)
}

// GetUnit handles GET /v1/units/{id}.
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	unit, err := h.deps.Units.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, unitResponse(unit))
}

// Kick handles POST /v1/kicks.
func (h *Handler) Kick(w http.ResponseWriter, r *http.Request) {
	var req KickRequest
	if !decodeValid(w, r, &req) {
		return
	}
	handle, err := h.deps.Kicker.Enqueue(r.Context(), task.KickPayload{TeamID: req.TeamID})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, KickResponse{JobID: handle.ID, Deduplicated: handle.Deduplicated})
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.deps.Jobs.Backend().Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, jobResponse(job))
}

func correlationFromQuery(r *http.Request) queue.Correlation {
	q := r.URL.Query()
	return queue.Correlation{TaskID: q.Get("task_id"), ItemID: q.Get("item_id")}
}

// JobsActive handles GET /v1/jobs/active?task_id=&item_id=. For parse kicks
// task_id is the team id and item_id the unit id.
func (h *Handler) JobsActive(w http.ResponseWriter, r *http.Request) {
	c := correlationFromQuery(r)
	if c.IsZero() {
		shared.RespondWithError(w, r, http.StatusBadRequest, "task_id or item_id is required")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ActiveResponse{Active: h.deps.Jobs.IsActive(r.Context(), c)})
}

// CancelJobs handles POST /v1/jobs/cancel. The cleanup result is returned
// as is; partial failures answer 207.
func (h *Handler) CancelJobs(w http.ResponseWriter, r *http.Request) {
	var req CorrelationRequest
	if !decodeValid(w, r, &req) {
		return
	}
	opts := h.deps.Cleanup
	opts.ForceCleanActiveJobs = req.Force
	res := h.deps.Jobs.CancelByCorrelation(r.Context(),
		queue.Correlation{TaskID: req.TaskID, ItemID: req.ItemID}, opts)

	status := http.StatusOK
	if len(res.Errors) > 0 {
		status = http.StatusMultiStatus
		logger.FromContext(r.Context()).Warn("job cleanup incomplete",
			"queue", res.Queue,
			"failed_removals", res.FailedRemovals,
			"error", res.Err())
	}
	shared.RespondWithJSON(w, r, status, res)
}

// RunOnce handles POST /v1/pipeline/run-once.
func (h *Handler) RunOnce(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, runResult(h.deps.Runner.RunOnce(r.Context())))
}

// Drain handles POST /v1/pipeline/drain.
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	results := h.deps.Runner.Drain(r.Context())
	out := make([]RunResult, 0, len(results))
	for _, res := range results {
		out = append(out, runResult(res))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, out)
}

// GetQuota handles GET /v1/teams/{id}/quota.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	q, err := h.deps.Quotas.Quota(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, QuotaResponse{
		TeamID:       q.TeamID,
		AIPoints:     q.AIPoints,
		AIPointsUsed: q.AIPointsUsed,
		IndexLimit:   q.IndexLimit,
		IndexCount:   q.IndexCount,
	})
}
