package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RegisterWorker_InvalidArguments(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, DefaultConfig())

	_, err := q.RegisterWorker(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	noop := func(context.Context, *Job) error { return nil }
	_, err = q.RegisterWorker(noop, WithConcurrency(0))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = q.RegisterWorker(noop, WithPollInterval(0))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWorker_ProcessNext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("idle queue", func(t *testing.T) {
		t.Parallel()

		q, _, _ := newTestQueue(t, DefaultConfig())
		w, err := q.RegisterWorker(func(context.Context, *Job) error { return nil })
		require.NoError(t, err)

		processed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("success completes job", func(t *testing.T) {
		t.Parallel()

		q, backend, _ := newTestQueue(t, DefaultConfig())
		h, err := q.Enqueue(ctx, "a", map[string]string{"item_id": "a"}, EnqueueOptions{})
		require.NoError(t, err)

		var seen string
		w, err := q.RegisterWorker(func(_ context.Context, job *Job) error {
			var p struct {
				ItemID string `json:"item_id"`
			}
			if err := job.Decode(&p); err != nil {
				return err
			}
			seen = p.ItemID
			return nil
		})
		require.NoError(t, err)

		processed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
		assert.Equal(t, "a", seen)

		job, err := backend.Get(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, job.State)
		assert.Equal(t, 1, job.AttemptsMade)
	})

	t.Run("transient failure retries until budget is spent", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.DefaultAttempts = 2
		cfg.RetryBackoff = 0
		q, backend, _ := newTestQueue(t, cfg)
		h, err := q.Enqueue(ctx, "a", nil, EnqueueOptions{})
		require.NoError(t, err)

		var decisions []Decision
		w, err := q.RegisterWorker(
			func(context.Context, *Job) error { return errors.New("timeout") },
			WithFailureHandler(func(_ context.Context, _ *Job, _ error, d Decision) {
				decisions = append(decisions, d)
			}),
		)
		require.NoError(t, err)

		_, err = w.ProcessNext(ctx)
		require.NoError(t, err)
		job, err := backend.Get(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, StateWaiting, job.State)
		assert.Equal(t, "timeout", job.LastError)

		_, err = w.ProcessNext(ctx)
		require.NoError(t, err)
		job, err = backend.Get(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, job.State)
		assert.Equal(t, 2, job.AttemptsMade)

		assert.Equal(t, []Decision{{WillRetry: true}, {WillRetry: false}}, decisions)
	})

	t.Run("job attempts raise the queue default", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.DefaultAttempts = 1
		cfg.RetryBackoff = 0
		q, backend, _ := newTestQueue(t, cfg)
		h, err := q.Enqueue(ctx, "a", nil, EnqueueOptions{Attempts: 3})
		require.NoError(t, err)

		w, err := q.RegisterWorker(func(context.Context, *Job) error { return errors.New("boom") })
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err = w.ProcessNext(ctx)
			require.NoError(t, err)
		}
		job, err := backend.Get(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, job.State)
		assert.Equal(t, 3, job.AttemptsMade)
	})

	t.Run("retry waits for backoff", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.RetryBackoff = time.Second
		q, backend, now := newTestQueue(t, cfg)
		h, err := q.Enqueue(ctx, "a", nil, EnqueueOptions{})
		require.NoError(t, err)

		w, err := q.RegisterWorker(func(context.Context, *Job) error { return errors.New("boom") })
		require.NoError(t, err)

		_, err = w.ProcessNext(ctx)
		require.NoError(t, err)

		job, err := backend.Get(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, StateDelayed, job.State)
		assert.Equal(t, now.Add(time.Second), job.RunAt)

		processed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("unrecoverable terminates immediately", func(t *testing.T) {
		t.Parallel()

		q, backend, _ := newTestQueue(t, DefaultConfig())
		h, err := q.Enqueue(ctx, "a", nil, EnqueueOptions{Attempts: 10})
		require.NoError(t, err)

		var decision Decision
		w, err := q.RegisterWorker(
			func(context.Context, *Job) error {
				return fmt.Errorf("evaluate: %w", ErrEvaluationUnrecoverable)
			},
			WithFailureHandler(func(_ context.Context, _ *Job, _ error, d Decision) { decision = d }),
		)
		require.NoError(t, err)

		_, err = w.ProcessNext(ctx)
		require.NoError(t, err)

		job, err := backend.Get(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, job.State)
		assert.True(t, decision.Unrecoverable)
		assert.False(t, decision.WillRetry)
	})

	t.Run("panic is terminal", func(t *testing.T) {
		t.Parallel()

		q, backend, _ := newTestQueue(t, DefaultConfig())
		h, err := q.Enqueue(ctx, "a", nil, EnqueueOptions{})
		require.NoError(t, err)

		w, err := q.RegisterWorker(func(context.Context, *Job) error { panic("nil map") })
		require.NoError(t, err)

		processed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, processed)

		job, err := backend.Get(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, job.State)
		assert.Contains(t, job.LastError, "nil map")
	})
}

func TestWorker_ClaimExclusivity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, err := New("evaluation", NewMemoryBackend(), DefaultConfig(), testLogger())
	require.NoError(t, err)

	const jobCount = 25
	for i := 0; i < jobCount; i++ {
		_, err := q.Enqueue(ctx, fmt.Sprintf("item-%d", i), nil, EnqueueOptions{})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	runs := make(map[uuid.UUID]int)
	w, err := q.RegisterWorker(func(_ context.Context, job *Job) error {
		mu.Lock()
		runs[job.ID]++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var processedTotal atomic.Int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				processed, err := w.ProcessNext(ctx)
				if err != nil || !processed {
					return
				}
				processedTotal.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(jobCount), processedTotal.Load())
	assert.Len(t, runs, jobCount)
	for id, n := range runs {
		assert.Equal(t, 1, n, "job %s ran more than once", id)
	}
}

func TestWorker_StartStop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, err := New("evaluation", NewMemoryBackend(), DefaultConfig(), testLogger())
	require.NoError(t, err)

	done := make(chan struct{}, 3)
	w, err := q.RegisterWorker(func(context.Context, *Job) error {
		done <- struct{}{}
		return nil
	}, WithConcurrency(2), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	w.Start(ctx)
	defer w.Stop()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, fmt.Sprintf("item-%d", i), nil, EnqueueOptions{})
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	w.Stop()
	w.Stop()
}

func TestMemoryBackend_LeaseExpiryRedelivers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend()
	backend.SetClock(func() time.Time { return now })

	stored, _, err := backend.Add(ctx, &Job{Queue: "q", Name: "a", State: StateWaiting, RunAt: now})
	require.NoError(t, err)

	first, err := backend.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, stored.ID, first.ID)

	again, err := backend.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)

	now = now.Add(2 * time.Minute)
	redelivered, err := backend.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, stored.ID, redelivered.ID)
}

func TestMemoryBackend_StaleLeaseIsRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend()
	backend.SetClock(func() time.Time { return now })

	stored, _, err := backend.Add(ctx, &Job{Queue: "q", Name: "a", State: StateWaiting, RunAt: now})
	require.NoError(t, err)

	first, err := backend.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.NotEqual(t, uuid.Nil, first.LeaseID)

	now = now.Add(2 * time.Minute)
	second, err := backend.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.LeaseID, second.LeaseID)

	assert.ErrorIs(t, backend.Complete(ctx, stored.ID, first.LeaseID), ErrLeaseLost)
	assert.ErrorIs(t, backend.Retry(ctx, stored.ID, first.LeaseID, now, "late"), ErrLeaseLost)
	assert.ErrorIs(t, backend.Fail(ctx, stored.ID, first.LeaseID, "late"), ErrLeaseLost)

	job, err := backend.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, job.State)
	assert.Equal(t, second.LeaseID, job.LeaseID)
	assert.Zero(t, job.AttemptsMade)
	assert.Empty(t, job.LastError)

	require.NoError(t, backend.Complete(ctx, stored.ID, second.LeaseID))
	job, err = backend.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, uuid.Nil, job.LeaseID)
	assert.Equal(t, 1, job.AttemptsMade)

	assert.ErrorIs(t, backend.Complete(ctx, stored.ID, second.LeaseID), ErrLeaseLost, "finished jobs take no second ack")
	assert.ErrorIs(t, backend.Complete(ctx, uuid.New(), second.LeaseID), ErrJobNotFound)
}

func TestWorker_ProcessNext_LostLeaseDropsOutcome(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	backend := NewMemoryBackend()
	backend.SetClock(clock)
	q, err := New("evaluation", backend, DefaultConfig(), testLogger())
	require.NoError(t, err)
	q.now = clock

	h, err := q.Enqueue(ctx, "slow", nil, EnqueueOptions{})
	require.NoError(t, err)

	var other *Job
	w, err := q.RegisterWorker(func(ctx context.Context, job *Job) error {
		// The attempt outlives its lease and another worker takes the job.
		mu.Lock()
		now = now.Add(q.Config().Lease + time.Second)
		mu.Unlock()
		var claimErr error
		other, claimErr = backend.Claim(ctx, "evaluation", time.Minute)
		return claimErr
	})
	require.NoError(t, err)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	require.NotNil(t, other)
	assert.Equal(t, h.ID, other.ID)

	job, err := backend.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, job.State, "the new holder still owns the job")
	assert.Equal(t, other.LeaseID, job.LeaseID)
	assert.Zero(t, job.AttemptsMade)
}
