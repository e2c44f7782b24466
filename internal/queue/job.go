package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a queued job.
type State string

// Possible job states
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// PendingStates are the states of a job that has not finished yet.
var PendingStates = []State{StateWaiting, StateDelayed, StateActive}

// Finished reports whether the state is terminal.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is a queued unit of deferred work.
type Job struct {
	ID      uuid.UUID
	Queue   string
	Name    string
	Payload json.RawMessage

	// DedupKey collapses duplicate enqueues. Empty disables deduplication.
	DedupKey string
	// DedupExpiresAt is the end of the dedup window. Zero means the key is
	// held only while the job is unfinished.
	DedupExpiresAt time.Time

	State        State
	Attempts     int
	AttemptsMade int
	RunAt        time.Time
	LockedUntil  time.Time
	// LeaseID identifies the current claim. It is zero unless the job is
	// active, and changes on every redelivery.
	LeaseID      uuid.UUID
	LastError    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// holdsDedupKey reports whether the job still owns its dedup key at now.
func (j *Job) holdsDedupKey(now time.Time) bool {
	if j.DedupKey == "" {
		return false
	}
	if !j.State.Finished() {
		return true
	}
	return !j.DedupExpiresAt.IsZero() && now.Before(j.DedupExpiresAt)
}

// claimable reports whether the job may be handed to a worker at now. Active
// jobs whose lease lapsed are redelivered.
func (j *Job) claimable(now time.Time) bool {
	switch j.State {
	case StateWaiting, StateDelayed:
		return !j.RunAt.After(now)
	case StateActive:
		return !j.LockedUntil.IsZero() && j.LockedUntil.Before(now)
	default:
		return false
	}
}

// Correlation selects jobs by the owning task id or item id carried in their
// payload. Exactly one field is normally set.
type Correlation struct {
	TaskID string
	ItemID string
}

// ByTask matches jobs whose payload task_id equals id.
func ByTask(id string) Correlation {
	return Correlation{TaskID: id}
}

// ByItem matches jobs whose payload item_id equals id.
func ByItem(id string) Correlation {
	return Correlation{ItemID: id}
}

// IsZero reports whether the filter carries no id.
func (c Correlation) IsZero() bool {
	return c.TaskID == "" && c.ItemID == ""
}

// correlationPayload is the subset of a payload used for correlation.
type correlationPayload struct {
	TaskID string `json:"task_id"`
	ItemID string `json:"item_id"`
}

// Matches reports whether the job payload belongs to the correlation.
func (c Correlation) Matches(j *Job) bool {
	if c.IsZero() || len(j.Payload) == 0 {
		return false
	}
	var p correlationPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return false
	}
	if c.TaskID != "" && p.TaskID != c.TaskID {
		return false
	}
	if c.ItemID != "" && p.ItemID != c.ItemID {
		return false
	}
	return true
}

// Backend is the storage behind a Queue.
//
// Add must be atomic with respect to the dedup check: when an unfinished job
// (or one still inside its dedup window) holds the same dedup key in the same
// queue, Add returns that job with deduplicated=true and inserts nothing.
// Claim must select and activate a job in one step so two workers never
// receive the same attempt, and stamp it with a fresh LeaseID. Complete,
// Retry and Fail only apply while the job is active under that lease;
// otherwise they change nothing and return ErrLeaseLost.
type Backend interface {
	Add(ctx context.Context, job *Job) (stored *Job, deduplicated bool, err error)
	Claim(ctx context.Context, queue string, lease time.Duration) (*Job, error)
	Complete(ctx context.Context, id, lease uuid.UUID) error
	Retry(ctx context.Context, id, lease uuid.UUID, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, id, lease uuid.UUID, lastErr string) error
	List(ctx context.Context, queue string, states ...State) ([]*Job, error)
	Remove(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
}
