package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Config holds the tunables of a Queue.
type Config struct {
	// StepDelay spaces out bulk-enqueued items that carry no explicit delay:
	// item i runs after i*StepDelay.
	StepDelay time.Duration

	// DefaultAttempts is the queue-wide attempt budget. A job's own Attempts
	// can raise it but not lower it.
	DefaultAttempts int

	// DedupTTL is applied when an enqueue sets a dedup key but no TTL.
	DedupTTL time.Duration

	// Lease is how long a claimed job stays active before it is redelivered.
	Lease time.Duration

	// RetryBackoff is the base delay before a retried attempt.
	RetryBackoff time.Duration

	// RetryAttempts and RetryDelay bound the retry of transient store errors
	// during bulk enqueue.
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		StepDelay:       100 * time.Millisecond,
		DefaultAttempts: 3,
		DedupTTL:        5 * time.Second,
		Lease:           5 * time.Minute,
		RetryBackoff:    time.Second,
		RetryAttempts:   3,
		RetryDelay:      100 * time.Millisecond,
	}
}

// EnqueueOptions configures a single enqueue.
type EnqueueOptions struct {
	// DedupKey must equal the job name when set.
	DedupKey string
	// DedupTTL keeps the key held after the job finishes. Zero uses the
	// queue default; NoDedupWindow holds it only while the job is unfinished.
	DedupTTL time.Duration
	Delay    time.Duration
	Attempts int
}

// NoDedupWindow as a DedupTTL releases the dedup key as soon as the job
// finishes.
const NoDedupWindow time.Duration = -1

// BulkItem is one entry of EnqueueMany. A nil Delay gets the positional
// default.
type BulkItem struct {
	Name     string
	Payload  any
	Delay    *time.Duration
	DedupKey string
	Attempts int
}

// Handle identifies an enqueued job.
type Handle struct {
	ID           uuid.UUID
	Name         string
	Delay        time.Duration
	Deduplicated bool
}

// Queue is a named deduplicated delay queue.
type Queue struct {
	name    string
	backend Backend
	config  Config
	logger  *slog.Logger
	dedup   *ttlcache.Cache[string, uuid.UUID]
	now     func() time.Time
}

// New creates a queue bound to backend.
func New(name string, backend Backend, config Config, logger *slog.Logger) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: queue name cannot be empty", ErrInvalidArgument)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: backend cannot be nil", ErrInvalidArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.StepDelay < 0 || config.Lease < 0 || config.RetryDelay < 0 {
		return nil, fmt.Errorf("%w: durations cannot be negative", ErrInvalidArgument)
	}
	if config.Lease == 0 {
		config.Lease = DefaultConfig().Lease
	}

	return &Queue{
		name:    name,
		backend: backend,
		config:  config,
		logger:  logger.With("component", "queue", "queue", name),
		dedup: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, uuid.UUID](),
		),
		now: time.Now,
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Config returns the queue configuration.
func (q *Queue) Config() Config {
	return q.config
}

// Backend returns the underlying store.
func (q *Queue) Backend() Backend {
	return q.backend
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

// Enqueue inserts a job. When an unfinished job, or one still inside its
// dedup window, holds opts.DedupKey, the call is absorbed and the existing
// job's handle is returned with Deduplicated set.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: job name cannot be empty", ErrInvalidArgument)
	}
	if opts.Delay < 0 {
		return nil, fmt.Errorf("%w: delay cannot be negative", ErrInvalidArgument)
	}
	if opts.DedupKey != "" && opts.DedupKey != name {
		return nil, fmt.Errorf("%w: dedup key %q must equal job name %q", ErrInvalidArgument, opts.DedupKey, name)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal payload: %v", ErrInvalidArgument, err)
	}
	return q.add(ctx, name, raw, opts)
}

func (q *Queue) add(ctx context.Context, name string, raw json.RawMessage, opts EnqueueOptions) (*Handle, error) {
	if opts.DedupKey != "" {
		if item := q.dedup.Get(opts.DedupKey); item != nil {
			recordDeduplicated(ctx, q.name)
			q.logger.DebugContext(ctx, "enqueue absorbed by dedup cache",
				"job_name", name,
				"dedup_key", opts.DedupKey,
				"job_id", item.Value())
			return &Handle{ID: item.Value(), Name: name, Deduplicated: true}, nil
		}
	}

	now := q.now()
	ttl := opts.DedupTTL
	if opts.DedupKey != "" && ttl == 0 {
		ttl = q.config.DedupTTL
	}

	job := &Job{
		ID:       uuid.New(),
		Queue:    q.name,
		Name:     name,
		Payload:  raw,
		DedupKey: opts.DedupKey,
		State:    StateWaiting,
		Attempts: opts.Attempts,
		RunAt:    now.Add(opts.Delay),
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
	}
	if opts.DedupKey != "" && ttl > 0 {
		job.DedupExpiresAt = now.Add(ttl)
	}

	stored, deduplicated, err := q.backend.Add(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %q: %w", name, err)
	}

	if opts.DedupKey != "" && ttl > 0 {
		remaining := ttl
		if !stored.DedupExpiresAt.IsZero() {
			remaining = stored.DedupExpiresAt.Sub(now)
		}
		if remaining > 0 {
			q.dedup.Set(opts.DedupKey, stored.ID, remaining)
		}
	}

	if deduplicated {
		recordDeduplicated(ctx, q.name)
		q.logger.DebugContext(ctx, "enqueue absorbed by existing job",
			"job_name", name,
			"dedup_key", opts.DedupKey,
			"job_id", stored.ID)
		return &Handle{ID: stored.ID, Name: name, Deduplicated: true}, nil
	}

	recordEnqueued(ctx, q.name)
	q.logger.DebugContext(ctx, "job enqueued",
		"job_name", name,
		"job_id", stored.ID,
		"delay_ms", opts.Delay.Milliseconds())
	return &Handle{ID: stored.ID, Name: name, Delay: opts.Delay}, nil
}

// BulkDelay returns the default delay of the item at index in a bulk enqueue.
func BulkDelay(index int, step time.Duration) time.Duration {
	return time.Duration(index) * step
}

// EnqueueMany enqueues items in order. Items without an explicit delay run
// after index*StepDelay so a batch is spread instead of bursting. Each item is
// deduplicated by its name, which defaults to the payload's item_id or
// task_id, and only while an earlier job of that name is unfinished: bulk
// items never get a dedup window. Transient store errors are retried
// RetryAttempts times.
func (q *Queue) EnqueueMany(ctx context.Context, items []BulkItem) ([]*Handle, error) {
	handles := make([]*Handle, 0, len(items))
	for i, item := range items {
		raw, err := marshalPayload(item.Payload)
		if err != nil {
			return handles, fmt.Errorf("%w: item %d: failed to marshal payload: %v", ErrInvalidArgument, i, err)
		}

		name := item.Name
		if name == "" {
			name = defaultJobName(raw)
		}
		delay := BulkDelay(i, q.config.StepDelay)
		if item.Delay != nil {
			delay = *item.Delay
		}
		if delay < 0 {
			return handles, fmt.Errorf("%w: item %d: delay cannot be negative", ErrInvalidArgument, i)
		}
		dedupKey := item.DedupKey
		if dedupKey == "" {
			dedupKey = name
		}
		if dedupKey != name {
			return handles, fmt.Errorf("%w: item %d: dedup key must equal job name", ErrInvalidArgument, i)
		}

		opts := EnqueueOptions{DedupKey: dedupKey, DedupTTL: NoDedupWindow, Delay: delay, Attempts: item.Attempts}
		var h *Handle
		err = withRetry(ctx, q.config.RetryAttempts, q.config.RetryDelay, func() error {
			var addErr error
			h, addErr = q.add(ctx, name, raw, opts)
			return addErr
		})
		if err != nil {
			return handles, fmt.Errorf("bulk enqueue stopped at item %d: %w", i, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// defaultJobName names a bulk item after its correlation id, falling back to
// a random id.
func defaultJobName(raw json.RawMessage) string {
	var p correlationPayload
	if err := json.Unmarshal(raw, &p); err == nil {
		if p.ItemID != "" {
			return p.ItemID
		}
		if p.TaskID != "" {
			return p.TaskID
		}
	}
	return uuid.NewString()
}

// IsActive reports whether any waiting, delayed or active job matches c.
// Store errors are logged and reported as inactive.
func (q *Queue) IsActive(ctx context.Context, c Correlation) bool {
	jobs, err := q.backend.List(ctx, q.name, PendingStates...)
	if err != nil {
		q.logger.ErrorContext(ctx, "failed to check job status",
			"task_id", c.TaskID,
			"item_id", c.ItemID,
			"error", err)
		return false
	}
	for _, j := range jobs {
		if c.Matches(j) {
			return true
		}
	}
	return false
}

// withRetry runs fn up to attempts times, sleeping delay between failures.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}
	}
	return err
}
