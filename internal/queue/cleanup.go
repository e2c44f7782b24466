package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// CleanupOptions tunes CancelByCorrelation.
type CleanupOptions struct {
	// ForceCleanActiveJobs also removes jobs a worker currently holds.
	ForceCleanActiveJobs bool
	RetryAttempts        int
	RetryDelay           time.Duration
}

// DefaultCleanupOptions returns the options used when none are given.
func DefaultCleanupOptions() CleanupOptions {
	return CleanupOptions{
		ForceCleanActiveJobs: false,
		RetryAttempts:        3,
		RetryDelay:           100 * time.Millisecond,
	}
}

// CleanupResult summarizes a cleanup. Errors holds one message per job that
// could not be removed, plus one for a failed listing.
type CleanupResult struct {
	Queue          string   `json:"queue"`
	TotalJobs      int      `json:"totalJobs"`
	RemovedJobs    int      `json:"removedJobs"`
	FailedRemovals int      `json:"failedRemovals"`
	Errors         []string `json:"errors"`
}

// Err folds the per-job errors into a single error, or nil when the
// cleanup was clean.
func (r CleanupResult) Err() error {
	var result *multierror.Error
	for _, msg := range r.Errors {
		result = multierror.Append(result, errors.New(msg))
	}
	return result.ErrorOrNil()
}

// CancelByCorrelation removes every waiting or delayed job whose payload
// matches c, and active ones too when ForceCleanActiveJobs is set. Each removal
// is retried up to RetryAttempts times. Failures never abort the sweep; they
// are reported in the result.
func (q *Queue) CancelByCorrelation(ctx context.Context, c Correlation, opts CleanupOptions) CleanupResult {
	result := CleanupResult{Queue: q.name, Errors: []string{}}
	if c.IsZero() {
		result.Errors = append(result.Errors, "correlation filter is empty")
		return result
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}

	states := []State{StateWaiting, StateDelayed}
	if opts.ForceCleanActiveJobs {
		states = append(states, StateActive)
	}

	jobs, err := q.backend.List(ctx, q.name, states...)
	if err != nil {
		q.logger.ErrorContext(ctx, "failed to list jobs for cleanup",
			"task_id", c.TaskID,
			"item_id", c.ItemID,
			"error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("list jobs: %v", err))
		return result
	}

	var errs *multierror.Error
	for _, j := range jobs {
		if !c.Matches(j) {
			continue
		}
		result.TotalJobs++

		err := withRetry(ctx, opts.RetryAttempts, opts.RetryDelay, func() error {
			removeErr := q.backend.Remove(ctx, j.ID)
			if errors.Is(removeErr, ErrJobNotFound) {
				return nil
			}
			return removeErr
		})
		if err != nil {
			result.FailedRemovals++
			result.Errors = append(result.Errors, fmt.Sprintf("job %s: %v", j.ID, err))
			errs = multierror.Append(errs, fmt.Errorf("job %s: %w", j.ID, err))
			continue
		}
		if j.DedupKey != "" {
			q.dedup.Delete(j.DedupKey)
		}
		result.RemovedJobs++
	}

	recordCleanup(ctx, q.name, result.RemovedJobs, result.FailedRemovals)
	if err := errs.ErrorOrNil(); err != nil {
		q.logger.WarnContext(ctx, "cleanup finished with failures",
			"task_id", c.TaskID,
			"item_id", c.ItemID,
			"total_jobs", result.TotalJobs,
			"removed_jobs", result.RemovedJobs,
			"failed_removals", result.FailedRemovals,
			"error", err)
	} else {
		q.logger.InfoContext(ctx, "cleanup finished",
			"task_id", c.TaskID,
			"item_id", c.ItemID,
			"total_jobs", result.TotalJobs,
			"removed_jobs", result.RemovedJobs)
	}
	return result
}
