package source

import (
	"context"
	"fmt"
	"sync"
)

// Registry dispatches descriptors to the reader registered for their kind.
type Registry struct {
	mu      sync.RWMutex
	readers map[Kind]Reader
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{readers: make(map[Kind]Reader)}
}

// Register sets the reader for kind, replacing any previous one.
func (r *Registry) Register(kind Kind, reader Reader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[kind] = reader
}

// Resolve returns the reader for desc or ErrUnknownSource.
func (r *Registry) Resolve(desc Descriptor) (Reader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reader, ok := r.readers[desc.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: no reader for %q", ErrUnknownSource, desc.Kind)
	}
	return reader, nil
}

// Read resolves desc and reads it.
func (r *Registry) Read(ctx context.Context, desc Descriptor) (Document, error) {
	reader, err := r.Resolve(desc)
	if err != nil {
		return Document{}, err
	}
	return reader.Read(ctx, desc)
}
