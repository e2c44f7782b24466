package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Processor handles one attempt of a job. Returning an error wrapped with
// Unrecoverable terminates the job regardless of the remaining budget.
type Processor func(ctx context.Context, job *Job) error

// FailureHandler observes every failed attempt together with the retry
// decision taken for it.
type FailureHandler func(ctx context.Context, job *Job, err error, decision Decision)

// WorkerConfig holds configuration for a queue worker.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	OnFailure    FailureHandler
}

// WorkerOption configures a Worker.
type WorkerOption func(*WorkerConfig)

// WithConcurrency sets the number of polling goroutines.
func WithConcurrency(n int) WorkerOption {
	return func(c *WorkerConfig) {
		c.Concurrency = n
	}
}

// WithPollInterval sets how long an idle goroutine waits before polling again.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(c *WorkerConfig) {
		c.PollInterval = d
	}
}

// WithFailureHandler installs a handler called after each failed attempt.
func WithFailureHandler(h FailureHandler) WorkerOption {
	return func(c *WorkerConfig) {
		c.OnFailure = h
	}
}

// Worker pulls jobs from a queue and runs a Processor on them.
type Worker struct {
	queue     *Queue
	processor Processor
	config    WorkerConfig
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// RegisterWorker creates a worker bound to the queue. It does not start
// polling until Start is called.
func (q *Queue) RegisterWorker(processor Processor, opts ...WorkerOption) (*Worker, error) {
	if processor == nil {
		return nil, fmt.Errorf("%w: processor cannot be nil", ErrInvalidArgument)
	}
	config := WorkerConfig{
		Concurrency:  1,
		PollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Concurrency < 1 {
		return nil, fmt.Errorf("%w: concurrency must be positive", ErrInvalidArgument)
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: poll interval must be positive", ErrInvalidArgument)
	}

	return &Worker{
		queue:     q,
		processor: processor,
		config:    config,
		logger:    q.logger.With("component", "queue_worker"),
	}, nil
}

// Start launches the polling goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
}

// Stop cancels polling and waits for in-flight attempts to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	defer w.wg.Done()

	w.logger.Debug("starting queue worker", "worker_id", id)
	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "queue worker iteration failed", "worker_id", id, "error", err)
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Debug("stopping queue worker", "worker_id", id)
			return
		case <-time.After(w.config.PollInterval):
		}
	}
}

// ProcessNext claims and runs at most one job. It reports whether a job was
// claimed. The returned error concerns the store, not the job outcome.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	q := w.queue
	job, err := q.backend.Claim(ctx, q.name, q.config.Lease)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	logger := w.logger.With("job_id", job.ID, "job_name", job.Name, "attempt", job.AttemptsMade+1)
	logger.DebugContext(ctx, "processing job")

	procErr := w.run(ctx, job)
	if procErr == nil {
		if err := q.backend.Complete(ctx, job.ID, job.LeaseID); err != nil {
			return true, w.ackError(ctx, logger, "completion", job, err)
		}
		recordFinished(ctx, q.name, "completed")
		logger.DebugContext(ctx, "job completed")
		return true, nil
	}

	if errors.Is(procErr, context.Canceled) && ctx.Err() != nil {
		// Shutdown interrupted the attempt. The lease expires and another
		// worker picks the job up again.
		logger.WarnContext(ctx, "job attempt interrupted by shutdown")
		return true, nil
	}

	attemptsMade := job.AttemptsMade + 1
	decision := Classify(procErr, attemptsMade, MaxAttempts(job.Attempts, q.config.DefaultAttempts))

	if decision.WillRetry {
		delay := RetryBackoff(q.config.RetryBackoff, attemptsMade)
		if err := q.backend.Retry(ctx, job.ID, job.LeaseID, q.now().Add(delay), procErr.Error()); err != nil {
			return true, w.ackError(ctx, logger, "retry", job, err)
		}
		recordFinished(ctx, q.name, "retried")
		logger.WarnContext(ctx, "job attempt failed, will retry",
			"error", procErr,
			"retry_in_ms", delay.Milliseconds())
	} else {
		if err := q.backend.Fail(ctx, job.ID, job.LeaseID, procErr.Error()); err != nil {
			return true, w.ackError(ctx, logger, "failure", job, err)
		}
		recordFinished(ctx, q.name, "failed")
		logger.ErrorContext(ctx, "job failed",
			"error", procErr,
			"unrecoverable", decision.Unrecoverable)
	}

	if w.config.OnFailure != nil {
		w.config.OnFailure(ctx, job, procErr, decision)
	}
	return true, nil
}

// ackError reports a failed acknowledgement. A lost lease means another
// worker owns the job now: the attempt's outcome is dropped, not an error.
func (w *Worker) ackError(ctx context.Context, logger *slog.Logger, op string, job *Job, err error) error {
	if errors.Is(err, ErrLeaseLost) {
		recordFinished(ctx, w.queue.name, "lease_lost")
		logger.WarnContext(ctx, "job lease lost, "+op+" not recorded")
		return nil
	}
	return fmt.Errorf("failed to record %s of job %s: %w", op, job.ID, err)
}

// run invokes the processor, turning a panic into an unrecoverable error.
func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "job processor panicked",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = Unrecoverable(fmt.Errorf("processor panic: %v", r))
		}
	}()
	return w.processor(ctx, job)
}
