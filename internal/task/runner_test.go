package task

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/scry-ingest/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// scriptedWorker returns queued outcomes in order, then idles.
type scriptedWorker struct {
	mu       sync.Mutex
	outcomes []pipeline.Outcome
	calls    atomic.Int32
}

func (s *scriptedWorker) push(outcomes ...pipeline.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcomes...)
}

func (s *scriptedWorker) RunOnce(context.Context) pipeline.Result {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) == 0 {
		return pipeline.Result{Outcome: pipeline.OutcomeIdle}
	}
	o := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return pipeline.Result{Outcome: o}
}

func (s *scriptedWorker) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

func TestNewRunner(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(nil, DefaultRunnerConfig(), testLogger())
	assert.Error(t, err)

	r, err := NewRunner(&scriptedWorker{}, RunnerConfig{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, r.config.WorkerCount)
	assert.Equal(t, DefaultRunnerConfig().PollInterval, r.config.PollInterval)
}

func TestRunner_Drain(t *testing.T) {
	t.Parallel()

	t.Run("until idle", func(t *testing.T) {
		t.Parallel()
		w := &scriptedWorker{}
		w.push(pipeline.OutcomeDone, pipeline.OutcomeFailed, pipeline.OutcomeDeleted)
		r, err := NewRunner(w, DefaultRunnerConfig(), testLogger())
		require.NoError(t, err)

		results := r.Drain(context.Background())

		require.Len(t, results, 3)
		assert.Equal(t, pipeline.OutcomeDeleted, results[2].Outcome)
		assert.Equal(t, int32(4), w.calls.Load())
	})

	t.Run("pauses on insufficient quota", func(t *testing.T) {
		t.Parallel()
		w := &scriptedWorker{}
		w.push(pipeline.OutcomeDone, pipeline.OutcomeInsufficientQuota, pipeline.OutcomeDone)
		r, err := NewRunner(w, DefaultRunnerConfig(), testLogger())
		require.NoError(t, err)

		results := r.Drain(context.Background())

		require.Len(t, results, 2)
		assert.Equal(t, 1, w.pending())
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		w := &scriptedWorker{}
		w.push(pipeline.OutcomeDone)
		r, err := NewRunner(w, DefaultRunnerConfig(), testLogger())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.Empty(t, r.Drain(ctx))
		assert.Zero(t, w.calls.Load())
	})
}

func TestRunner_KickWakesIdleWorker(t *testing.T) {
	t.Parallel()

	w := &scriptedWorker{}
	r, err := NewRunner(w, RunnerConfig{WorkerCount: 1, PollInterval: time.Hour}, testLogger())
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, r.Stop()) })

	// The first drain finds nothing and the worker goes to sleep.
	require.Eventually(t, func() bool { return w.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	w.push(pipeline.OutcomeDone, pipeline.OutcomeDone)
	r.Kick()

	assert.Eventually(t, func() bool { return w.pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunner_KickNeverBlocks(t *testing.T) {
	t.Parallel()

	r, err := NewRunner(&scriptedWorker{}, RunnerConfig{WorkerCount: 2}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		r.Kick()
	}
	assert.Len(t, r.kick, 2)
}

func TestRunner_StartStop(t *testing.T) {
	t.Parallel()

	w := &scriptedWorker{}
	r, err := NewRunner(w, RunnerConfig{WorkerCount: 3, PollInterval: 10 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))

	// Polling keeps the workers looking for units.
	assert.Eventually(t, func() bool { return w.calls.Load() >= 6 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Stop())
	calls := w.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, w.calls.Load(), "no runs after Stop")
	require.NoError(t, r.Stop())
}
