package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/phrazzld/scry-ingest/internal/chunk"
	"github.com/phrazzld/scry-ingest/internal/events"
	"github.com/phrazzld/scry-ingest/internal/quota"
	"github.com/phrazzld/scry-ingest/internal/redact"
	"github.com/phrazzld/scry-ingest/internal/segment"
	"github.com/phrazzld/scry-ingest/internal/source"
	"github.com/phrazzld/scry-ingest/internal/training"
)

// Deps are the collaborators of a Worker. Segmenter and Emitter may be nil:
// without a Segmenter re-segmentation is skipped, without an Emitter no
// batch events are published.
type Deps struct {
	Units     training.ClaimStore
	Catalog   training.Catalog
	Quota     quota.Service
	Usage     quota.UsageRecorder
	Sources   SourceResolver
	Segmenter segment.Service
	Queue     TrainingQueue
	Emitter   events.Emitter
}

// Worker runs the parse pipeline for one work unit at a time.
type Worker struct {
	deps     Deps
	config   Config
	features Features
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a pipeline worker.
func NewWorker(deps Deps, config Config, features Features, logger *slog.Logger) (*Worker, error) {
	switch {
	case deps.Units == nil:
		return nil, errors.New("units store cannot be nil")
	case deps.Catalog == nil:
		return nil, errors.New("catalog cannot be nil")
	case deps.Quota == nil:
		return nil, errors.New("quota service cannot be nil")
	case deps.Usage == nil:
		return nil, errors.New("usage recorder cannot be nil")
	case deps.Sources == nil:
		return nil, errors.New("source resolver cannot be nil")
	case deps.Queue == nil:
		return nil, errors.New("training queue cannot be nil")
	case logger == nil:
		return nil, errors.New("logger cannot be nil")
	}
	if config.MaxChunkSize <= 0 {
		config.MaxChunkSize = chunk.DefaultMaxSize
	}
	if deps.Segmenter == nil {
		features.ParagraphAI = false
	}
	return &Worker{
		deps:     deps,
		config:   config,
		features: features,
		logger:   logger.With("component", "parse_pipeline"),
		now:      time.Now,
	}, nil
}

// RunOnce claims at most one unit and drives it to a terminal outcome. It
// never returns an error: failures are recorded on the unit and reported in
// the Result.
func (w *Worker) RunOnce(ctx context.Context) Result {
	start := w.now()
	res := w.runOnce(ctx)
	recordRun(ctx, res, w.now().Sub(start))
	return res
}

func (w *Worker) runOnce(ctx context.Context) Result {
	unit, err := w.deps.Units.ClaimNext(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to claim work unit", "error", err)
		return Result{Outcome: OutcomeIdle, Err: err}
	}
	if unit == nil {
		return Result{Outcome: OutcomeIdle}
	}

	log := w.logger.With(
		"unit_id", unit.ID,
		"team_id", unit.TeamID,
		"collection_id", unit.CollectionID,
	)
	res := Result{UnitID: unit.ID}

	// Validate
	if unit.Dataset == nil || unit.Collection == nil {
		log.WarnContext(ctx, "dataset or collection no longer exists, deleting unit",
			"dataset_found", unit.Dataset != nil,
			"collection_found", unit.Collection != nil)
		return w.drop(ctx, log, res)
	}
	desc, descErr := source.DescriptorFor(unit)
	var reader source.Reader
	if descErr == nil {
		reader, descErr = w.deps.Sources.Resolve(desc)
	}
	if errors.Is(descErr, source.ErrUnknownSource) {
		log.WarnContext(ctx, "unknown source type, deleting unit", "error", descErr)
		return w.drop(ctx, log, res)
	}

	// Quota
	ok, err := w.deps.Quota.CheckAndReserve(ctx, unit.TeamID)
	if err != nil {
		log.ErrorContext(ctx, "quota check failed, releasing unit", "error", err)
		w.release(ctx, log, unit.ID)
		res.Outcome = OutcomeIdle
		res.Err = fmt.Errorf("check quota: %w", err)
		return res
	}
	if !ok {
		log.InfoContext(ctx, "insufficient AI points, releasing unit for later")
		w.release(ctx, log, unit.ID)
		res.Outcome = OutcomeInsufficientQuota
		return res
	}

	log.InfoContext(ctx, "parse started")

	// Read
	if descErr != nil {
		return w.fail(ctx, log, res, OutcomeFailed, descErr)
	}
	doc, err := reader.Read(ctx, desc)
	if err != nil {
		return w.fail(ctx, log, res, OutcomeFailed, fmt.Errorf("read source: %w", err))
	}

	// Segment
	seg, called, err := segment.Run(ctx, w.deps.Segmenter,
		unit.Collection.Chunk.ParagraphAIMode,
		w.features.ParagraphAI,
		unit.Collection.CustomPDFParse,
		segment.Request{Text: doc.RawText, Model: unit.Dataset.AgentModel, BillingID: unit.BillingID},
	)
	if err != nil {
		return w.fail(ctx, log, res, OutcomeFailed, fmt.Errorf("segment text: %w", err))
	}
	if called {
		res.Usage = w.recordUsage(ctx, log, unit, seg)
	}
	text := seg.Text

	// Chunk
	chunks, err := chunk.FromText(text, w.chunkParams(unit.Collection))
	if err != nil {
		return w.fail(ctx, log, res, OutcomeFailed, fmt.Errorf("chunk text: %w", err))
	}
	res.Chunks = len(chunks)
	mode := unit.Collection.TrainingMode()

	// IndexLimitCheck
	if err := w.deps.Quota.CheckIndexLimit(ctx, unit.TeamID, training.PredictIndexCount(mode, len(chunks))); err != nil {
		outcome := OutcomeFailed
		if errors.Is(err, quota.ErrIndexLimitExceeded) {
			outcome = OutcomeLimitExceeded
		}
		return w.fail(ctx, log, res, outcome, err)
	}

	// Enqueue
	receipt, err := w.deps.Queue.Push(ctx, Batch{
		TeamID:       unit.TeamID,
		TmbID:        unit.TmbID,
		DatasetID:    unit.Dataset.ID,
		CollectionID: unit.Collection.ID,
		BillingID:    unit.BillingID,
		AgentModel:   unit.Dataset.AgentModel,
		VectorModel:  unit.Dataset.VectorModel,
		VLMModel:     unit.Dataset.VLMModel,
		IndexSize:    unit.Collection.Chunk.IndexSize,
		Mode:         mode,
		Chunks:       chunks,
	})
	if err != nil {
		outcome := OutcomeFailed
		if errors.Is(err, quota.ErrIndexLimitExceeded) {
			outcome = OutcomeLimitExceeded
		}
		return w.fail(ctx, log, res, outcome, fmt.Errorf("push to training queue: %w", err))
	}

	// Bookkeep
	title := doc.Title
	if title == "" {
		title = chunk.Title(text)
	}
	if err := w.deps.Catalog.UpdateCollection(ctx, unit.Collection.ID, training.CollectionUpdate{
		Name:          title,
		RawTextLength: utf8.RuneCountInString(text),
		RawTextHash:   chunk.Hash(text),
	}); err != nil {
		return w.fail(ctx, log, res, OutcomeFailed, fmt.Errorf("update collection: %w", err))
	}
	if rel := unit.Collection.RelatedImageID; rel != "" {
		if n, err := w.deps.Catalog.ClearImageExpiry(ctx, unit.Collection.TeamID, rel); err != nil {
			log.WarnContext(ctx, "failed to clear image expiry", "related_id", rel, "error", err)
		} else {
			log.DebugContext(ctx, "image expiry cleared", "related_id", rel, "images", n)
		}
	}

	// Done
	if receipt.TransferOwnership {
		if err := w.deps.Units.DeleteUnit(ctx, unit.ID); err != nil {
			log.ErrorContext(ctx, "failed to delete finished unit", "error", err)
		}
	}
	w.emitAccepted(ctx, log, unit, receipt.Accepted)

	log.InfoContext(ctx, "parse finished", "chunks", len(chunks), "mode", mode)
	res.Outcome = OutcomeDone
	return res
}

func (w *Worker) chunkParams(c *training.Collection) chunk.Params {
	opts := chunk.Options{
		ChunkSize:             c.Chunk.ChunkSize,
		ParagraphChunkDeep:    c.Chunk.ParagraphChunkDeep,
		ParagraphChunkMinSize: c.Chunk.ParagraphChunkMinSize,
		MaxSize:               w.config.MaxChunkSize,
	}
	if c.ProcessType == training.ProcessChunk {
		opts.OverlapRatio = w.config.ChunkOverlap
	}
	if c.Chunk.ChunkSplitter != "" {
		opts.CustomDelimiters = []string{c.Chunk.ChunkSplitter}
	}
	return chunk.Params{
		Options:        opts,
		Trigger:        chunk.Trigger(c.Chunk.TriggerType),
		TriggerMinSize: c.Chunk.TriggerMinSize,
		Backup:         c.ProcessType == training.ProcessBackup,
	}
}

// recordUsage bills a segmentation call. Billing failures are logged only:
// the call already happened and the unit must not be retried for it.
func (w *Worker) recordUsage(ctx context.Context, log *slog.Logger, unit *training.WorkUnit, seg segment.Result) *quota.Usage {
	usage := quota.Usage{
		BillingID:    unit.BillingID,
		TeamID:       unit.TeamID,
		TmbID:        unit.TmbID,
		Model:        unit.Dataset.AgentModel,
		InputTokens:  seg.InputTokens,
		OutputTokens: seg.OutputTokens,
		Mode:         segment.UsageMode,
		CreatedAt:    w.now(),
	}
	if err := w.deps.Usage.RecordUsage(ctx, usage); err != nil {
		log.ErrorContext(ctx, "failed to record segmentation usage", "error", err)
	}
	return &usage
}

func (w *Worker) drop(ctx context.Context, log *slog.Logger, res Result) Result {
	if err := w.deps.Units.DeleteUnit(ctx, res.UnitID); err != nil {
		log.ErrorContext(ctx, "failed to delete unit", "error", err)
	}
	res.Outcome = OutcomeDeleted
	return res
}

func (w *Worker) release(ctx context.Context, log *slog.Logger, id uuid.UUID) {
	if err := w.deps.Units.Release(ctx, id); err != nil {
		log.ErrorContext(ctx, "failed to release unit", "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, res Result, outcome Outcome, cause error) Result {
	res.Outcome = outcome
	res.Err = cause
	res.Message = redact.Message(cause)
	log.WarnContext(ctx, "parse failed, unit locked for backoff",
		"outcome", outcome,
		"error", res.Message)
	if err := w.deps.Units.MarkFailed(ctx, res.UnitID, res.Message); err != nil {
		log.ErrorContext(ctx, "failed to mark unit failed", "error", err)
	}
	return res
}

func (w *Worker) emitAccepted(ctx context.Context, log *slog.Logger, unit *training.WorkUnit, accepted int) {
	if w.deps.Emitter == nil {
		return
	}
	ev, err := events.New(events.TypeBatchAccepted, events.BatchAccepted{
		TeamID:       unit.TeamID,
		CollectionID: unit.CollectionID,
		Chunks:       accepted,
	})
	if err == nil {
		err = w.deps.Emitter.Emit(ctx, ev)
	}
	if err != nil {
		log.WarnContext(ctx, "failed to emit batch accepted event", "error", err)
	}
}
