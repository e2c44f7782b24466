package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/scry-ingest/internal/pipeline"
	"github.com/phrazzld/scry-ingest/internal/queue"
	"github.com/phrazzld/scry-ingest/internal/training"
)

// CreateParseTaskResponse is returned when a parse unit was stored.
type CreateParseTaskResponse struct {
	UnitID    uuid.UUID `json:"unit_id"`
	BillingID uuid.UUID `json:"billing_id"`
}

// BulkParseTaskRequest stores several parse units at once.
type BulkParseTaskRequest struct {
	Tasks []training.ParseRequest `json:"tasks" validate:"required,min=1,max=500,dive"`
}

// BulkParseTaskResponse lists the stored units in request order. Kicks is
// the number of new kick jobs; the rest collapsed into pending ones.
type BulkParseTaskResponse struct {
	Units []CreateParseTaskResponse `json:"units"`
	Kicks int                       `json:"kicks"`
}

// UnitResponse is the state of a work unit.
type UnitResponse struct {
	ID           uuid.UUID     `json:"id"`
	TeamID       uuid.UUID     `json:"team_id"`
	DatasetID    uuid.UUID     `json:"dataset_id"`
	CollectionID uuid.UUID     `json:"collection_id"`
	BillingID    uuid.UUID     `json:"billing_id"`
	Mode         training.Mode `json:"mode"`
	LockTime     *time.Time    `json:"lock_time,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	RetryCount   int           `json:"retry_count"`
	CreatedAt    time.Time     `json:"created_at"`
}

func unitResponse(u *training.WorkUnit) UnitResponse {
	return UnitResponse{
		ID:           u.ID,
		TeamID:       u.TeamID,
		DatasetID:    u.DatasetID,
		CollectionID: u.CollectionID,
		BillingID:    u.BillingID,
		Mode:         u.Mode,
		LockTime:     u.LockTime,
		ErrorMessage: u.ErrorMessage,
		RetryCount:   u.RetryCount,
		CreatedAt:    u.CreatedAt,
	}
}

// KickRequest asks for the parse runner of a team to be woken.
type KickRequest struct {
	TeamID uuid.UUID `json:"team_id" validate:"required"`
}

// KickResponse reports the kick job and whether it collapsed into one
// already pending.
type KickResponse struct {
	JobID        uuid.UUID `json:"job_id"`
	Deduplicated bool      `json:"deduplicated"`
}

// JobResponse is the state of a queued job.
type JobResponse struct {
	ID           uuid.UUID   `json:"id"`
	Queue        string      `json:"queue"`
	Name         string      `json:"name"`
	State        queue.State `json:"state"`
	Attempts     int         `json:"attempts"`
	AttemptsMade int         `json:"attempts_made"`
	RunAt        time.Time   `json:"run_at"`
	LastError    string      `json:"last_error,omitempty"`
}

func jobResponse(j *queue.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		Queue:        j.Queue,
		Name:         j.Name,
		State:        j.State,
		Attempts:     j.Attempts,
		AttemptsMade: j.AttemptsMade,
		RunAt:        j.RunAt,
		LastError:    j.LastError,
	}
}

// CorrelationRequest selects jobs by task or item id.
type CorrelationRequest struct {
	TaskID string `json:"task_id" validate:"required_without=ItemID"`
	ItemID string `json:"item_id" validate:"required_without=TaskID"`
	Force  bool   `json:"force"`
}

// ActiveResponse reports whether correlated jobs are pending.
type ActiveResponse struct {
	Active bool `json:"active"`
}

// RunResult is one pipeline iteration.
type RunResult struct {
	Outcome pipeline.Outcome `json:"outcome"`
	UnitID  *uuid.UUID       `json:"unit_id,omitempty"`
	Message string           `json:"message,omitempty"`
	Chunks  int              `json:"chunks"`
}

func runResult(r pipeline.Result) RunResult {
	out := RunResult{Outcome: r.Outcome, Message: r.Message, Chunks: r.Chunks}
	if r.UnitID != uuid.Nil {
		id := r.UnitID
		out.UnitID = &id
	}
	return out
}

// QuotaResponse is the stored quota of a team.
type QuotaResponse struct {
	TeamID       uuid.UUID `json:"team_id"`
	AIPoints     int64     `json:"ai_points"`
	AIPointsUsed int64     `json:"ai_points_used"`
	IndexLimit   int64     `json:"index_limit"`
	IndexCount   int64     `json:"index_count"`
}
