package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/scry-ingest/internal/chunk"
	"github.com/phrazzld/scry-ingest/internal/events"
	"github.com/phrazzld/scry-ingest/internal/quota"
	"github.com/phrazzld/scry-ingest/internal/segment"
	"github.com/phrazzld/scry-ingest/internal/source"
	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/phrazzld/scry-ingest/internal/training"
)

type fakeSegmenter struct {
	calls *[]string
	err   error
	reqs  []segmentCall
}

type segmentCall struct {
	text  string
	model string
}

func (f *fakeSegmenter) Segment(_ context.Context, req segment.Request) (segment.Result, error) {
	*f.calls = append(*f.calls, "segment")
	f.reqs = append(f.reqs, segmentCall{text: req.Text, model: req.Model})
	if f.err != nil {
		return segment.Result{}, f.err
	}
	return segment.Result{Text: "# Segmented\n\n" + req.Text, InputTokens: 120, OutputTokens: 80}, nil
}

// orderedGate logs quota calls into the same slice as the segmenter.
type orderedGate struct {
	quota.Service
	calls *[]string
	err   *error
}

func (g orderedGate) CheckAndReserve(ctx context.Context, teamID uuid.UUID) (bool, error) {
	*g.calls = append(*g.calls, "quota")
	if *g.err != nil {
		return false, *g.err
	}
	return g.Service.CheckAndReserve(ctx, teamID)
}

type harness struct {
	catalog *training.MemoryCatalog
	units   *training.MemoryStore
	gate    *quota.MemoryGate
	usage   *quota.MemoryUsageLog
	seg     *fakeSegmenter
	queue   *MemoryQueue
	emitter *events.InMemoryEmitter
	worker  *Worker
	calls   []string
	docs    map[string]source.Document
	readErr  error
	quotaErr error
	now      time.Time
}

func newHarness(t *testing.T, features Features) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		catalog: training.NewMemoryCatalog(),
		gate:    quota.NewMemoryGate(quota.Limits{AIPoints: 100, IndexLimit: 1000}, 1),
		usage:   &quota.MemoryUsageLog{},
		queue:   NewMemoryQueue(),
		emitter: events.NewInMemoryEmitter(logger),
		docs:    make(map[string]source.Document),
		now:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.units = training.NewMemoryStore(h.catalog, 10*time.Minute)
	h.units.SetClock(func() time.Time { return h.now })
	h.seg = &fakeSegmenter{calls: &h.calls}

	registry := source.NewRegistry()
	registry.Register(source.KindLink, source.ReaderFunc(func(_ context.Context, d source.Descriptor) (source.Document, error) {
		if h.readErr != nil {
			return source.Document{}, h.readErr
		}
		return h.docs[d.SourceID], nil
	}))

	w, err := NewWorker(Deps{
		Units:     h.units,
		Catalog:   h.catalog,
		Quota:     orderedGate{Service: h.gate, calls: &h.calls, err: &h.quotaErr},
		Usage:     h.usage,
		Sources:   registry,
		Segmenter: h.seg,
		Queue:     h.queue,
		Emitter:   h.emitter,
	}, DefaultConfig(), features, logger)
	require.NoError(t, err)
	w.now = func() time.Time { return h.now }
	h.worker = w
	return h
}

func linkCollection(mode training.ParagraphAIMode) training.Collection {
	return training.Collection{
		Type:        training.CollectionLink,
		RawLink:     "https://example.com/" + uuid.NewString(),
		ProcessType: training.ProcessChunk,
		Chunk: training.ChunkSettings{
			TriggerType:     training.TriggerForce,
			ChunkSize:       500,
			ParagraphAIMode: mode,
		},
	}
}

// addUnit stores a dataset, the collection and a parse unit pointing at
// them. text is what the collection's link reads as.
func (h *harness) addUnit(t *testing.T, coll training.Collection, text string) *training.WorkUnit {
	t.Helper()
	teamID := uuid.New()
	ds := training.Dataset{ID: uuid.New(), TeamID: teamID, AgentModel: "gemini-2.0-flash", VectorModel: "text-embedding"}
	coll.ID = uuid.New()
	coll.TeamID = teamID
	coll.DatasetID = ds.ID
	h.catalog.PutDataset(ds)
	h.catalog.PutCollection(coll)
	h.docs[coll.RawLink] = source.Document{RawText: text}

	unit := &training.WorkUnit{
		TeamID:       teamID,
		TmbID:        uuid.New(),
		DatasetID:    ds.ID,
		CollectionID: coll.ID,
		BillingID:    uuid.New(),
		Mode:         training.ModeParse,
		RetryCount:   training.DefaultRetryBudget,
	}
	require.NoError(t, h.units.Create(context.Background(), unit))
	return unit
}

func (h *harness) requireGone(t *testing.T, id uuid.UUID) {
	t.Helper()
	_, err := h.units.Get(context.Background(), id)
	require.ErrorIs(t, err, store.ErrUnitNotFound)
}

func TestNewWorker_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewWorker(Deps{}, DefaultConfig(), Features{}, slog.Default())
	assert.Error(t, err)
}

func TestRunOnce_Idle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{ParagraphAI: true})

	res := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeIdle, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Empty(t, h.calls)
}

func TestRunOnce_StructuredTextScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{ParagraphAI: true})
	unit := h.addUnit(t, linkCollection(training.ParagraphAuto), "# Title\nBody")

	var accepted []events.BatchAccepted
	h.emitter.Subscribe(events.TypeBatchAccepted, events.HandlerFunc(func(_ context.Context, e *events.Event) error {
		var p events.BatchAccepted
		require.NoError(t, e.UnmarshalPayload(&p))
		accepted = append(accepted, p)
		return nil
	}))

	res := h.worker.RunOnce(context.Background())

	require.Equal(t, OutcomeDone, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, 1, res.Chunks)
	assert.Nil(t, res.Usage)
	assert.Equal(t, []string{"quota"}, h.calls, "segmentation must be skipped")

	batches := h.queue.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, []chunk.Chunk{{Index: 0, Q: "# Title\nBody"}}, batches[0].Chunks)
	assert.Equal(t, training.ModeChunk, batches[0].Mode)
	assert.Equal(t, unit.BillingID, batches[0].BillingID)

	coll, err := h.catalog.Collection(context.Background(), unit.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, "Title", coll.Name)
	assert.Equal(t, len([]rune("# Title\nBody")), coll.RawTextLength)
	assert.Equal(t, chunk.Hash("# Title\nBody"), coll.RawTextHash)

	h.requireGone(t, unit.ID)
	require.Len(t, accepted, 1)
	assert.Equal(t, 1, accepted[0].Chunks)
}

func TestRunOnce_ReadErrorLocksUnit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{})
	unit := h.addUnit(t, linkCollection(training.ParagraphForbid), "unused")
	h.readErr = errors.New("Processing failed")

	res := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Message, "Processing failed")
	assert.Empty(t, h.queue.Batches())

	stored, err := h.units.Get(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "Processing failed")
	require.NotNil(t, stored.LockTime)
	assert.Equal(t, h.now, *stored.LockTime)
	assert.Equal(t, training.DefaultRetryBudget-1, stored.RetryCount)

	// Locked for the backoff window, claimable after it.
	assert.Equal(t, OutcomeIdle, h.worker.RunOnce(context.Background()).Outcome)
	h.now = h.now.Add(10 * time.Minute)
	h.readErr = nil
	assert.Equal(t, OutcomeDone, h.worker.RunOnce(context.Background()).Outcome)
}

func TestRunOnce_InvalidUnitsAreDeleted(t *testing.T) {
	t.Parallel()

	t.Run("collection gone", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Features{})
		unit := h.addUnit(t, linkCollection(training.ParagraphForbid), "text")
		h.catalog.DeleteCollection(unit.CollectionID)

		res := h.worker.RunOnce(context.Background())

		assert.Equal(t, OutcomeDeleted, res.Outcome)
		h.requireGone(t, unit.ID)
		assert.Empty(t, h.calls, "quota must not be charged")
	})

	t.Run("dataset gone", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Features{})
		unit := h.addUnit(t, linkCollection(training.ParagraphForbid), "text")
		h.catalog.DeleteDataset(unit.DatasetID)

		assert.Equal(t, OutcomeDeleted, h.worker.RunOnce(context.Background()).Outcome)
		h.requireGone(t, unit.ID)
	})

	t.Run("unknown source type", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Features{})
		coll := linkCollection(training.ParagraphForbid)
		coll.Type = training.CollectionVirtual
		unit := h.addUnit(t, coll, "text")

		assert.Equal(t, OutcomeDeleted, h.worker.RunOnce(context.Background()).Outcome)
		h.requireGone(t, unit.ID)
	})

	t.Run("no reader registered", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Features{})
		coll := linkCollection(training.ParagraphForbid)
		coll.Type = training.CollectionFile
		coll.FileID = "file-1"
		unit := h.addUnit(t, coll, "text")

		assert.Equal(t, OutcomeDeleted, h.worker.RunOnce(context.Background()).Outcome)
		h.requireGone(t, unit.ID)
	})
}

func TestRunOnce_MissingSourceRefFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{})
	coll := linkCollection(training.ParagraphForbid)
	coll.RawLink = ""
	unit := h.addUnit(t, coll, "text")

	res := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, source.ErrMissingSourceRef)
	stored, err := h.units.Get(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ErrorMessage)
}

func TestRunOnce_InsufficientQuota(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{ParagraphAI: true})
	unit := h.addUnit(t, linkCollection(training.ParagraphForce), "plain text")
	h.gate.SetQuota(quota.TeamQuota{TeamID: unit.TeamID, AIPoints: 0, IndexLimit: 1000})

	res := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeInsufficientQuota, res.Outcome)
	assert.Equal(t, []string{"quota"}, h.calls, "no paid call without quota")
	assert.Empty(t, h.queue.Batches())

	stored, err := h.units.Get(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ErrorMessage)
	assert.Nil(t, stored.LockTime, "released for the next claim")
	assert.Equal(t, training.DefaultRetryBudget, stored.RetryCount, "a shortage does not spend a retry")
}

func TestRunOnce_RepeatedShortagesKeepUnitClaimable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{ParagraphAI: true})
	unit := h.addUnit(t, linkCollection(training.ParagraphForce), "plain text")
	h.gate.SetQuota(quota.TeamQuota{TeamID: unit.TeamID, AIPoints: 0, IndexLimit: 1000})

	for i := 0; i < training.DefaultRetryBudget+2; i++ {
		res := h.worker.RunOnce(context.Background())
		require.Equal(t, OutcomeInsufficientQuota, res.Outcome, "round %d", i)
		require.Equal(t, unit.ID, res.UnitID, "round %d", i)
		h.now = h.now.Add(11 * time.Minute)
	}

	stored, err := h.units.Get(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Equal(t, training.DefaultRetryBudget, stored.RetryCount)
	assert.Empty(t, stored.ErrorMessage)

	h.gate.SetQuota(quota.TeamQuota{TeamID: unit.TeamID, AIPoints: 10, IndexLimit: 1000})
	res := h.worker.RunOnce(context.Background())
	require.Equal(t, OutcomeDone, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, unit.ID, res.UnitID)
	assert.Len(t, h.queue.Batches(), 1)
}

func TestRunOnce_QuotaStoreErrorIsSurfaced(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{ParagraphAI: true})
	unit := h.addUnit(t, linkCollection(training.ParagraphForce), "plain text")
	h.quotaErr = errors.New("quota table unavailable")

	res := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeIdle, res.Outcome)
	assert.Equal(t, unit.ID, res.UnitID)
	require.Error(t, res.Err)
	assert.ErrorContains(t, res.Err, "quota table unavailable")
	assert.Equal(t, []string{"quota"}, h.calls)
	assert.Empty(t, h.queue.Batches())

	stored, err := h.units.Get(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LockTime)
	assert.Empty(t, stored.ErrorMessage)
	assert.Equal(t, training.DefaultRetryBudget, stored.RetryCount)

	h.quotaErr = nil
	again := h.worker.RunOnce(context.Background())
	assert.Equal(t, OutcomeDone, again.Outcome, "err: %v", again.Err)
}

func TestRunOnce_SegmentationAfterQuotaAndBilled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{ParagraphAI: true})
	unit := h.addUnit(t, linkCollection(training.ParagraphForce), "## Old heading\nplain text")

	res := h.worker.RunOnce(context.Background())

	require.Equal(t, OutcomeDone, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, []string{"quota", "segment"}, h.calls)
	require.Len(t, h.seg.reqs, 1)
	assert.Equal(t, "Old heading\nplain text", h.seg.reqs[0].text)
	assert.Equal(t, "gemini-2.0-flash", h.seg.reqs[0].model)

	records := h.usage.Records()
	require.Len(t, records, 1)
	assert.Equal(t, quota.Usage{
		BillingID:    unit.BillingID,
		TeamID:       unit.TeamID,
		TmbID:        unit.TmbID,
		Model:        "gemini-2.0-flash",
		InputTokens:  120,
		OutputTokens: 80,
		Mode:         "paragraph",
		CreatedAt:    h.now,
	}, records[0])

	coll, err := h.catalog.Collection(context.Background(), unit.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, "Segmented", coll.Name)
}

func TestRunOnce_FeatureOffSkipsSegmentation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{ParagraphAI: false})
	h.addUnit(t, linkCollection(training.ParagraphForce), "plain text")

	res := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Empty(t, h.seg.reqs)
	assert.Empty(t, h.usage.Records())
}

func TestRunOnce_SegmentationError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{ParagraphAI: true})
	h.seg.err = errors.New("model unavailable")
	unit := h.addUnit(t, linkCollection(training.ParagraphAuto), "plain text")

	res := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, h.usage.Records())
	stored, err := h.units.Get(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "model unavailable")
}

func TestRunOnce_IndexLimitPushesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{ParagraphAI: true})
	unit := h.addUnit(t, linkCollection(training.ParagraphForce), "plain text")
	h.gate.SetQuota(quota.TeamQuota{TeamID: unit.TeamID, AIPoints: 10, IndexLimit: 5, IndexCount: 5})

	res := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeLimitExceeded, res.Outcome)
	assert.ErrorIs(t, res.Err, quota.ErrIndexLimitExceeded)
	assert.Empty(t, h.queue.Batches())
	// The segmentation call was paid for and stays billed.
	assert.Len(t, h.usage.Records(), 1)

	stored, err := h.units.Get(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "index limit")
	assert.NotNil(t, stored.LockTime)
}

func TestRunOnce_SinkIndexLimitIsLimitExceeded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{})
	unit := h.addUnit(t, linkCollection(training.ParagraphForbid), "some text")
	h.queue.Err = &quota.IndexLimitError{TeamID: unit.TeamID, Limit: 10, Current: 10, Added: 1}

	res := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeLimitExceeded, res.Outcome)
	assert.ErrorIs(t, res.Err, quota.ErrIndexLimitExceeded)
	stored, err := h.units.Get(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "index limit")
	assert.NotNil(t, stored.LockTime)
}

func TestRunOnce_PushFailureKeepsUnit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{})
	unit := h.addUnit(t, linkCollection(training.ParagraphForbid), "some text")
	h.queue.Err = errors.New("queue offline")

	res := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeFailed, res.Outcome)
	stored, err := h.units.Get(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "queue offline")

	coll, err := h.catalog.Collection(context.Background(), unit.CollectionID)
	require.NoError(t, err)
	assert.Empty(t, coll.RawTextHash, "bookkeeping happens only after a push")
}

func TestRunOnce_ClearsImageExpiry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{})
	coll := linkCollection(training.ParagraphForbid)
	coll.RelatedImageID = "img-group"
	unit := h.addUnit(t, coll, "text with images")
	expires := h.now.Add(time.Hour)
	h.catalog.PutImage(training.Image{ID: uuid.New(), TeamID: unit.TeamID, RelatedID: "img-group", ExpiredAt: &expires})

	require.Equal(t, OutcomeDone, h.worker.RunOnce(context.Background()).Outcome)

	images := h.catalog.Images("img-group")
	require.Len(t, images, 1)
	assert.Nil(t, images[0].ExpiredAt)
}

func TestRunOnce_ChunkSettings(t *testing.T) {
	t.Parallel()

	t.Run("custom splitter", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Features{})
		coll := linkCollection(training.ParagraphForbid)
		coll.Chunk.ChunkSplitter = "@@"
		h.addUnit(t, coll, "first@@second@@third")

		require.Equal(t, OutcomeDone, h.worker.RunOnce(context.Background()).Outcome)
		batches := h.queue.Batches()
		require.Len(t, batches, 1)
		require.Len(t, batches[0].Chunks, 3)
		assert.Equal(t, "second", batches[0].Chunks[1].Q)
		assert.Equal(t, 1, batches[0].Chunks[1].Index)
	})

	t.Run("backup", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Features{})
		coll := linkCollection(training.ParagraphForbid)
		coll.ProcessType = training.ProcessBackup
		h.addUnit(t, coll, "q,a\nquestion one,answer one\nquestion two,answer two")

		require.Equal(t, OutcomeDone, h.worker.RunOnce(context.Background()).Outcome)
		batches := h.queue.Batches()
		require.Len(t, batches, 1)
		assert.Equal(t, []chunk.Chunk{
			{Index: 0, Q: "question one", A: "answer one"},
			{Index: 1, Q: "question two", A: "answer two"},
		}, batches[0].Chunks)
	})

	t.Run("qa mode predicts more indexes", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Features{})
		coll := linkCollection(training.ParagraphForbid)
		coll.ProcessType = training.ProcessQA
		unit := h.addUnit(t, coll, "one chunk of text")
		// One chunk in qa mode predicts 20 indexes.
		h.gate.SetQuota(quota.TeamQuota{TeamID: unit.TeamID, AIPoints: 10, IndexLimit: 19})

		assert.Equal(t, OutcomeLimitExceeded, h.worker.RunOnce(context.Background()).Outcome)
	})
}

func TestRunOnce_RetryProducesIdenticalChunks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Features{})
	coll := linkCollection(training.ParagraphForbid)
	coll.Chunk.ChunkSize = 80
	text := "# Guide\n\n" +
		"The first paragraph explains the setup in some detail. It has two sentences.\n\n" +
		"The second paragraph covers configuration. Values come from the environment.\n\n" +
		"## Details\n\nA closing paragraph with enough words to need its own chunk here."
	unit := h.addUnit(t, coll, text)

	h.queue.Err = errors.New("transient")
	require.Equal(t, OutcomeFailed, h.worker.RunOnce(context.Background()).Outcome)

	h.queue.Err = nil
	h.now = h.now.Add(11 * time.Minute)
	require.Equal(t, OutcomeDone, h.worker.RunOnce(context.Background()).Outcome)

	batches := h.queue.Batches()
	require.Len(t, batches, 1)
	want, err := chunk.FromText(text, h.worker.chunkParams(&coll))
	require.NoError(t, err)
	assert.Equal(t, want, batches[0].Chunks)
	assert.Greater(t, len(want), 1)
	h.requireGone(t, unit.ID)
}
