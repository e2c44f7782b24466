package events

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
)

type recordingHandler struct {
	count int
	last  *Event
	err   error
}

func (h *recordingHandler) HandleEvent(_ context.Context, event *Event) error {
	h.count++
	h.last = event
	return h.err
}

func TestNew(t *testing.T) {
	t.Parallel()

	payload := ParseRequested{TeamID: uuid.New(), UnitID: uuid.New()}
	event, err := New(TypeParseRequested, payload)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, TypeParseRequested, event.Type)
	assert.WithinDuration(t, time.Now(), event.CreatedAt, 2*time.Second)

	var decoded ParseRequested
	require.NoError(t, event.UnmarshalPayload(&decoded))
	assert.Equal(t, payload, decoded)

	_, err = New(TypeParseRequested, make(chan int))
	assert.Error(t, err)
}

func TestInMemoryEmitter(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("no handlers", func(t *testing.T) {
		t.Parallel()

		emitter := NewInMemoryEmitter(logger)
		event, err := New(TypeParseRequested, ParseRequested{})
		require.NoError(t, err)
		assert.NoError(t, emitter.Emit(ctx, event))
	})

	t.Run("routes by type", func(t *testing.T) {
		t.Parallel()

		emitter := NewInMemoryEmitter(logger)
		parse := &recordingHandler{}
		accepted := &recordingHandler{}
		all := &recordingHandler{}
		emitter.Subscribe(TypeParseRequested, parse)
		emitter.Subscribe(TypeBatchAccepted, accepted)
		emitter.Subscribe("", all)

		event, err := New(TypeParseRequested, ParseRequested{})
		require.NoError(t, err)
		require.NoError(t, emitter.Emit(ctx, event))

		assert.Equal(t, 1, parse.count)
		assert.Equal(t, event, parse.last)
		assert.Equal(t, 0, accepted.count)
		assert.Equal(t, 1, all.count)
	})

	t.Run("failing handler does not stop the others", func(t *testing.T) {
		t.Parallel()

		emitter := NewInMemoryEmitter(logger)
		failing := &recordingHandler{err: errors.New("handler error")}
		ok := &recordingHandler{}
		emitter.Subscribe(TypeBatchAccepted, failing)
		emitter.Subscribe(TypeBatchAccepted, ok)

		event, err := New(TypeBatchAccepted, BatchAccepted{Chunks: 3})
		require.NoError(t, err)

		err = emitter.Emit(ctx, event)
		assert.ErrorContains(t, err, "handler error")
		assert.Equal(t, 1, failing.count)
		assert.Equal(t, 1, ok.count)
	})

	t.Run("handler func", func(t *testing.T) {
		t.Parallel()

		emitter := NewInMemoryEmitter(logger)
		called := false
		emitter.Subscribe(TypeParseRequested, HandlerFunc(func(context.Context, *Event) error {
			called = true
			return nil
		}))

		event, err := New(TypeParseRequested, ParseRequested{})
		require.NoError(t, err)
		require.NoError(t, emitter.Emit(ctx, event))
		assert.True(t, called)
	})
}
