package pipeline

import (
	"context"
	"slices"
	"sync"
)

// MemoryQueue is an in-process TrainingQueue that keeps every accepted
// batch. A replayed batch for the same collection replaces the earlier one.
type MemoryQueue struct {
	mu      sync.Mutex
	batches []Batch
	// Err, when set, is returned by every Push.
	Err error
}

var _ TrainingQueue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Push implements TrainingQueue.
func (q *MemoryQueue) Push(_ context.Context, batch Batch) (Receipt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return Receipt{}, q.Err
	}
	batch.Chunks = slices.Clone(batch.Chunks)
	q.batches = slices.DeleteFunc(q.batches, func(b Batch) bool {
		return b.CollectionID == batch.CollectionID
	})
	q.batches = append(q.batches, batch)
	return Receipt{Accepted: len(batch.Chunks), TransferOwnership: true}, nil
}

// Batches returns a copy of the accepted batches.
func (q *MemoryQueue) Batches() []Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.batches)
}
