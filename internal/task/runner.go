package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/scry-ingest/internal/pipeline"
)

// PipelineWorker runs the parse pipeline for at most one unit per call.
type PipelineWorker interface {
	RunOnce(ctx context.Context) pipeline.Result
}

// RunnerConfig holds configuration for the runner
type RunnerConfig struct {
	// WorkerCount determines how many goroutines drain the pipeline
	WorkerCount int

	// PollInterval is how long an idle goroutine waits before it looks for
	// work again without being kicked
	PollInterval time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:  2,
		PollInterval: 30 * time.Second,
	}
}

// Runner keeps WorkerCount goroutines draining the parse pipeline. Each
// goroutine runs units until the pipeline reports no claimable work or
// insufficient quota, then sleeps until the poll interval passes or Kick is
// called.
type Runner struct {
	worker PipelineWorker
	config RunnerConfig
	logger *slog.Logger
	kick   chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewRunner creates a runner. It does not start any goroutine.
func NewRunner(worker PipelineWorker, config RunnerConfig, logger *slog.Logger) (*Runner, error) {
	if worker == nil {
		return nil, errors.New("pipeline worker cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultRunnerConfig().PollInterval
	}
	return &Runner{
		worker: worker,
		config: config,
		logger: logger.With("component", "parse_runner"),
		kick:   make(chan struct{}, config.WorkerCount),
	}, nil
}

// Start launches the worker goroutines. A second call is a no-op.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.group, ctx = errgroup.WithContext(ctx)
	r.running = true

	for i := 0; i < r.config.WorkerCount; i++ {
		id := i
		r.group.Go(func() error {
			return r.loop(ctx, id)
		})
	}
	r.logger.Info("parse runner started",
		"worker_count", r.config.WorkerCount,
		"poll_interval", r.config.PollInterval)
	return nil
}

// Stop cancels the goroutines and waits for in-flight units to finish.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	r.running = false
	group := r.group
	r.mu.Unlock()

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("parse runner stopped with error: %w", err)
	}
	r.logger.Info("parse runner stopped")
	return nil
}

// Kick wakes one idle goroutine. It never blocks; kicks arriving while every
// goroutine already has one pending are dropped.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// RunOnce runs a single pipeline iteration on the calling goroutine.
func (r *Runner) RunOnce(ctx context.Context) pipeline.Result {
	return r.worker.RunOnce(ctx)
}

// Drain runs the pipeline on the calling goroutine until it goes idle and
// returns the results of every run that claimed a unit.
func (r *Runner) Drain(ctx context.Context) []pipeline.Result {
	var results []pipeline.Result
	for ctx.Err() == nil {
		res := r.worker.RunOnce(ctx)
		if res.Outcome != pipeline.OutcomeIdle {
			results = append(results, res)
		}
		if stop(res) {
			break
		}
	}
	return results
}

// stop reports whether draining should pause after res.
func stop(res pipeline.Result) bool {
	return res.Outcome == pipeline.OutcomeIdle || res.Outcome == pipeline.OutcomeInsufficientQuota
}

func (r *Runner) loop(ctx context.Context, id int) error {
	log := r.logger.With("worker_id", id)
	log.Debug("starting parse worker")

	for {
		n := len(r.Drain(ctx))
		if n > 0 {
			log.DebugContext(ctx, "drained parse units", "units", n)
		}

		select {
		case <-ctx.Done():
			log.Debug("stopping parse worker")
			return nil
		case <-r.kick:
		case <-time.After(r.config.PollInterval):
		}
	}
}
