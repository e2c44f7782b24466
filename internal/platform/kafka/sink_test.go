package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/scry-ingest/internal/chunk"
	"github.com/phrazzld/scry-ingest/internal/pipeline"
	"github.com/phrazzld/scry-ingest/internal/training"
)

type recordingWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func header(m kafkago.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func testBatch() pipeline.Batch {
	return pipeline.Batch{
		TeamID:       uuid.New(),
		TmbID:        uuid.New(),
		DatasetID:    uuid.New(),
		CollectionID: uuid.New(),
		BillingID:    uuid.New(),
		Mode:         training.ModeChunk,
		IndexSize:    512,
		Chunks: []chunk.Chunk{
			{Index: 0, Q: "first"},
			{Index: 1, Q: "second"},
		},
	}
}

func TestSink_PublishesOneMessagePerChunk(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	sink := newSink(w, "training", slog.New(slog.NewTextHandler(io.Discard, nil)))
	batch := testBatch()

	receipt, err := sink.Push(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Accepted)
	assert.True(t, receipt.TransferOwnership)
	require.Len(t, w.msgs, 2)

	for i, m := range w.msgs {
		assert.Equal(t, batch.CollectionID.String(), string(m.Key))
		assert.Equal(t, ChunkKey(batch.CollectionID, batch.Chunks[i]), header(m, HeaderChunkKey))
		assert.Equal(t, batch.BillingID.String(), header(m, HeaderBillingID))
		assert.Equal(t, "chunk", header(m, HeaderMode))

		var msg Message
		require.NoError(t, json.Unmarshal(m.Value, &msg))
		assert.Equal(t, batch.Chunks[i], msg.Chunk)
		assert.Equal(t, batch.TeamID, msg.TeamID)
	}

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestSink_ChunkKeyIsStableAcrossReplays(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	sink := newSink(w, "training", slog.New(slog.NewTextHandler(io.Discard, nil)))
	batch := testBatch()

	_, err := sink.Push(context.Background(), batch)
	require.NoError(t, err)
	_, err = sink.Push(context.Background(), batch)
	require.NoError(t, err)

	require.Len(t, w.msgs, 4)
	assert.Equal(t, header(w.msgs[0], HeaderChunkKey), header(w.msgs[2], HeaderChunkKey))
	assert.NotEqual(t, header(w.msgs[0], HeaderChunkKey), header(w.msgs[1], HeaderChunkKey))
}

func TestSink_WriteError(t *testing.T) {
	t.Parallel()

	boom := errors.New("leader not available")
	sink := newSink(&recordingWriter{err: boom}, "training", slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := sink.Push(context.Background(), testBatch())
	assert.ErrorIs(t, err, boom)
}

func TestSink_EmptyBatch(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	sink := newSink(w, "training", slog.New(slog.NewTextHandler(io.Discard, nil)))
	receipt, err := sink.Push(context.Background(), pipeline.Batch{})
	require.NoError(t, err)
	assert.True(t, receipt.TransferOwnership)
	assert.Empty(t, w.msgs)
}

func TestNewSink_Validation(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewSink(nil, "training", logger)
	assert.Error(t, err)
	_, err = NewSink([]string{"localhost:9092"}, "", logger)
	assert.Error(t, err)

	sink, err := NewSink([]string{"localhost:9092"}, "training", logger)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
}
