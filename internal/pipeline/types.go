package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/phrazzld/scry-ingest/internal/chunk"
	"github.com/phrazzld/scry-ingest/internal/quota"
	"github.com/phrazzld/scry-ingest/internal/source"
	"github.com/phrazzld/scry-ingest/internal/training"
)

// Outcome is the terminal state of one RunOnce call.
type Outcome string

// Outcomes
const (
	// OutcomeIdle means no unit was eligible, or a store call failed before
	// any work began (claim or quota check). In the latter case Err is set
	// and a claimed unit was released.
	OutcomeIdle Outcome = "idle"
	// OutcomeDeleted means the unit was dropped because its dataset or
	// collection is gone or its source type is unknown.
	OutcomeDeleted Outcome = "deleted"
	// OutcomeInsufficientQuota means the team is out of AI points. The unit
	// was released with its retry restored and is claimable again at once.
	OutcomeInsufficientQuota Outcome = "insufficient_quota"
	// OutcomeLimitExceeded means the batch would exceed the team's index
	// limit, either on the early check or inside the sink. Nothing was
	// stored and the unit was marked failed.
	OutcomeLimitExceeded Outcome = "limit_exceeded"
	// OutcomeFailed means a step failed and the unit was marked failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeDone means the batch was accepted downstream.
	OutcomeDone Outcome = "done"
)

// Result describes one RunOnce call.
type Result struct {
	Outcome Outcome
	UnitID  uuid.UUID
	// Message is the redacted text stored on the unit for failed outcomes.
	Message string
	Chunks  int
	// Usage is set when a paid segmentation call was made.
	Usage *quota.Usage
	// Err is the underlying error of Idle (store failure) and Failed.
	Err error
}

// Batch is the set of chunks of one collection handed to the training
// queue.
type Batch struct {
	TeamID       uuid.UUID
	TmbID        uuid.UUID
	DatasetID    uuid.UUID
	CollectionID uuid.UUID
	BillingID    uuid.UUID
	AgentModel   string
	VectorModel  string
	VLMModel     string
	IndexSize    int
	Mode         training.Mode
	Chunks       []chunk.Chunk
}

// Receipt acknowledges a pushed batch.
type Receipt struct {
	Accepted int
	// TransferOwnership tells the worker the training queue now owns the
	// batch, so the work unit is finished and can be deleted.
	TransferOwnership bool
}

// TrainingQueue is the downstream stage that generates indexes for chunks.
// Push must be idempotent for a replayed batch.
type TrainingQueue interface {
	Push(ctx context.Context, batch Batch) (Receipt, error)
}

// SourceResolver finds the reader of a source descriptor.
type SourceResolver interface {
	Resolve(desc source.Descriptor) (source.Reader, error)
}

// Features are the optional capabilities of the deployment tier.
type Features struct {
	ParagraphAI bool
}

// Config tunes the worker.
type Config struct {
	// MaxChunkSize is the model chunk ceiling used for tables, code blocks
	// and the maxSize trigger.
	MaxChunkSize int
	// ChunkOverlap is the overlap ratio used for chunk-mode collections.
	ChunkOverlap float64
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize: chunk.DefaultMaxSize,
		ChunkOverlap: 0.2,
	}
}
