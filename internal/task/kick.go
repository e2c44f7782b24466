package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/scry-ingest/internal/events"
	"github.com/phrazzld/scry-ingest/internal/queue"
)

// ParseQueue is the delay queue carrying runner kicks.
const ParseQueue = "dataset-parse"

// DefaultKickTTL collapses bursts of parse requests of one team into a
// single kick.
const DefaultKickTTL = 5 * time.Second

// KickPayload is the payload of a dataset-parse job. TaskID and ItemID are
// the queue correlation keys: the team id and the unit id as strings. The
// kicker fills them in, so jobs can be found with queue.ByTask(team) and
// queue.ByItem(unit). A kick absorbed by a pending one keeps the first
// unit's ItemID.
type KickPayload struct {
	TeamID uuid.UUID `json:"team_id"`
	UnitID uuid.UUID `json:"unit_id,omitempty"`
	TaskID string    `json:"task_id"`
	ItemID string    `json:"item_id,omitempty"`
}

func (p KickPayload) correlated() KickPayload {
	p.TaskID = p.TeamID.String()
	p.ItemID = ""
	if p.UnitID != uuid.Nil {
		p.ItemID = p.UnitID.String()
	}
	return p
}

// KickKey is the job name and dedup key of a team's kick.
func KickKey(teamID uuid.UUID) string {
	return ParseQueue + ":" + teamID.String()
}

// Kicker enqueues deduplicated runner kicks.
type Kicker struct {
	queue  *queue.Queue
	ttl    time.Duration
	logger *slog.Logger
}

var _ events.Handler = (*Kicker)(nil)

// NewKicker creates a kicker on q. A ttl of zero uses DefaultKickTTL.
func NewKicker(q *queue.Queue, ttl time.Duration, logger *slog.Logger) (*Kicker, error) {
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultKickTTL
	}
	return &Kicker{
		queue:  q,
		ttl:    ttl,
		logger: logger.With("component", "parse_kicker"),
	}, nil
}

// Enqueue schedules a kick for the team.
func (k *Kicker) Enqueue(ctx context.Context, p KickPayload) (*queue.Handle, error) {
	if p.TeamID == uuid.Nil {
		return nil, fmt.Errorf("%w: team id is required", queue.ErrInvalidArgument)
	}
	key := KickKey(p.TeamID)
	return k.queue.Enqueue(ctx, key, p.correlated(), queue.EnqueueOptions{
		DedupKey: key,
		DedupTTL: k.ttl,
	})
}

// EnqueueMany schedules a batch of kicks, spread by the queue's step delay.
// Kicks of one team collapse while an earlier one is unfinished. Nothing is
// enqueued when a payload lacks a team id.
func (k *Kicker) EnqueueMany(ctx context.Context, ps []KickPayload) ([]*queue.Handle, error) {
	items := make([]queue.BulkItem, 0, len(ps))
	for i, p := range ps {
		if p.TeamID == uuid.Nil {
			return nil, fmt.Errorf("%w: kick %d: team id is required", queue.ErrInvalidArgument, i)
		}
		key := KickKey(p.TeamID)
		items = append(items, queue.BulkItem{Name: key, Payload: p.correlated(), DedupKey: key})
	}
	return k.queue.EnqueueMany(ctx, items)
}

// HandleEvent turns a parse request into a kick. Other events are ignored.
func (k *Kicker) HandleEvent(ctx context.Context, event *events.Event) error {
	if event.Type != events.TypeParseRequested {
		k.logger.DebugContext(ctx, "ignoring event with unsupported type",
			"event_type", event.Type,
			"event_id", event.ID)
		return nil
	}

	var payload events.ParseRequested
	if err := event.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("failed to unmarshal parse request: %w", err)
	}

	h, err := k.Enqueue(ctx, KickPayload{TeamID: payload.TeamID, UnitID: payload.UnitID})
	if err != nil {
		return fmt.Errorf("failed to enqueue kick for team %s: %w", payload.TeamID, err)
	}
	k.logger.DebugContext(ctx, "parse kick enqueued",
		"team_id", payload.TeamID,
		"job_id", h.ID,
		"deduplicated", h.Deduplicated)
	return nil
}

// KickProcessor returns the dataset-parse queue processor. A malformed
// payload is unrecoverable; anything else kicks the runner.
func KickProcessor(r *Runner) queue.Processor {
	return func(_ context.Context, job *queue.Job) error {
		var p KickPayload
		if err := job.Decode(&p); err != nil {
			return queue.Unrecoverable(fmt.Errorf("malformed kick payload: %w", err))
		}
		r.logger.Debug("kick received", "team_id", p.TeamID, "job_id", job.ID)
		r.Kick()
		return nil
	}
}
