package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend is an in-process Backend guarded by a single mutex. It keeps
// the same claim and dedup semantics as the PostgreSQL store.
type MemoryBackend struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
	// order keeps insertion order so claims are FIFO by run time then age.
	order []uuid.UUID
	now   func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs: make(map[uuid.UUID]*Job),
		now:  time.Now,
	}
}

// SetClock replaces the backend clock. Intended for tests.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func cloneJob(j *Job) *Job {
	c := *j
	c.Payload = slices.Clone(j.Payload)
	return &c
}

// Add implements Backend.
func (b *MemoryBackend) Add(_ context.Context, job *Job) (*Job, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if job.DedupKey != "" {
		for _, id := range b.order {
			existing := b.jobs[id]
			if existing.Queue == job.Queue && existing.DedupKey == job.DedupKey && existing.holdsDedupKey(now) {
				return cloneJob(existing), true, nil
			}
		}
	}

	stored := cloneJob(job)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if _, exists := b.jobs[stored.ID]; exists {
		return nil, false, fmt.Errorf("job %s already exists", stored.ID)
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	b.jobs[stored.ID] = stored
	b.order = append(b.order, stored.ID)
	return cloneJob(stored), false, nil
}

// Claim implements Backend.
func (b *MemoryBackend) Claim(_ context.Context, queue string, lease time.Duration) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var next *Job
	for _, id := range b.order {
		j := b.jobs[id]
		if j.Queue != queue || !j.claimable(now) {
			continue
		}
		if next == nil || j.RunAt.Before(next.RunAt) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = StateActive
	next.LockedUntil = now.Add(lease)
	next.LeaseID = uuid.New()
	next.UpdatedAt = now
	return cloneJob(next), nil
}

func (b *MemoryBackend) lookup(id uuid.UUID) (*Job, error) {
	j, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// leased returns the job while it is active under lease, and ends the lease.
func (b *MemoryBackend) leased(id, lease uuid.UUID) (*Job, error) {
	j, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	if j.State != StateActive || j.LeaseID != lease {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	j.AttemptsMade++
	j.LockedUntil = time.Time{}
	j.LeaseID = uuid.Nil
	return j, nil
}

// Complete implements Backend.
func (b *MemoryBackend) Complete(_ context.Context, id, lease uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, err := b.leased(id, lease)
	if err != nil {
		return err
	}
	j.State = StateCompleted
	j.UpdatedAt = b.now()
	return nil
}

// Retry implements Backend.
func (b *MemoryBackend) Retry(_ context.Context, id, lease uuid.UUID, runAt time.Time, lastErr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, err := b.leased(id, lease)
	if err != nil {
		return err
	}
	now := b.now()
	j.State = StateDelayed
	if !runAt.After(now) {
		j.State = StateWaiting
	}
	j.RunAt = runAt
	j.LastError = lastErr
	j.UpdatedAt = now
	return nil
}

// Fail implements Backend.
func (b *MemoryBackend) Fail(_ context.Context, id, lease uuid.UUID, lastErr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, err := b.leased(id, lease)
	if err != nil {
		return err
	}
	j.State = StateFailed
	j.LastError = lastErr
	j.UpdatedAt = b.now()
	return nil
}

// List implements Backend. With no states every job in the queue is
// returned.
func (b *MemoryBackend) List(_ context.Context, queue string, states ...State) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Job
	for _, id := range b.order {
		j := b.jobs[id]
		if j.Queue != queue {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, j.State) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	return out, nil
}

// Remove implements Backend.
func (b *MemoryBackend) Remove(_ context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.lookup(id); err != nil {
		return err
	}
	delete(b.jobs, id)
	b.order = slices.DeleteFunc(b.order, func(other uuid.UUID) bool { return other == id })
	return nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, id uuid.UUID) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	return cloneJob(j), nil
}
