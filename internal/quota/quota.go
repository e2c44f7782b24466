package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrIndexLimitExceeded is matched by every IndexLimitError.
var ErrIndexLimitExceeded = errors.New("dataset index limit exceeded")

// IndexLimitError reports a batch that does not fit the team's index limit.
type IndexLimitError struct {
	TeamID  uuid.UUID
	Limit   int64
	Current int64
	Added   int64
}

func (e *IndexLimitError) Error() string {
	return fmt.Sprintf("%s: team has %d of %d indexes, batch adds %d",
		ErrIndexLimitExceeded, e.Current, e.Limit, e.Added)
}

// Is makes IndexLimitError match ErrIndexLimitExceeded.
func (e *IndexLimitError) Is(target error) bool {
	return target == ErrIndexLimitExceeded
}

// Service is the quota gate consulted by the pipeline.
type Service interface {
	// CheckAndReserve charges the per-unit cost against the team's AI points
	// and reports whether it fit. Check and charge are atomic per team.
	CheckAndReserve(ctx context.Context, teamID uuid.UUID) (bool, error)

	// CheckIndexLimit returns an error matching ErrIndexLimitExceeded when
	// added more index rows would exceed the team's limit.
	CheckIndexLimit(ctx context.Context, teamID uuid.UUID, added int) error
}

// Limits are the allowances of a team.
type Limits struct {
	AIPoints   int64
	IndexLimit int64
}

// TeamQuota is the stored allowance and consumption of a team.
type TeamQuota struct {
	TeamID       uuid.UUID
	AIPoints     int64
	AIPointsUsed int64
	IndexLimit   int64
	IndexCount   int64
	UpdatedAt    time.Time
}

// Usage is one billed model call.
type Usage struct {
	BillingID    uuid.UUID
	TeamID       uuid.UUID
	TmbID        uuid.UUID
	Model        string
	InputTokens  int
	OutputTokens int
	Mode         string
	CreatedAt    time.Time
}

// UsageRecorder persists billed usage.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, usage Usage) error
}

// CheckIndexLimit returns an IndexLimitError when added more index rows do
// not fit the quota.
func (q TeamQuota) CheckIndexLimit(added int) error {
	if q.IndexCount+int64(added) > q.IndexLimit {
		return &IndexLimitError{
			TeamID:  q.TeamID,
			Limit:   q.IndexLimit,
			Current: q.IndexCount,
			Added:   int64(added),
		}
	}
	return nil
}
