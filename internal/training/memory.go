package training

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/scry-ingest/internal/store"
)

// Image is a dataset image that expires unless its ingestion succeeds.
type Image struct {
	ID        uuid.UUID
	TeamID    uuid.UUID
	RelatedID string
	ExpiredAt *time.Time
}

// MemoryCatalog is an in-process Catalog.
type MemoryCatalog struct {
	mu          sync.Mutex
	datasets    map[uuid.UUID]*Dataset
	collections map[uuid.UUID]*Collection
	images      map[uuid.UUID]*Image
}

var _ Catalog = (*MemoryCatalog)(nil)

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		datasets:    make(map[uuid.UUID]*Dataset),
		collections: make(map[uuid.UUID]*Collection),
		images:      make(map[uuid.UUID]*Image),
	}
}

// PutDataset inserts or replaces a dataset.
func (c *MemoryCatalog) PutDataset(d Dataset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datasets[d.ID] = &d
}

// PutCollection inserts or replaces a collection.
func (c *MemoryCatalog) PutCollection(col Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections[col.ID] = &col
}

// PutImage inserts or replaces an image.
func (c *MemoryCatalog) PutImage(img Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[img.ID] = &img
}

// Images returns the images of a related group.
func (c *MemoryCatalog) Images(relatedID string) []Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Image
	for _, img := range c.images {
		if img.RelatedID == relatedID {
			out = append(out, *img)
		}
	}
	return out
}

// DeleteDataset removes a dataset.
func (c *MemoryCatalog) DeleteDataset(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.datasets, id)
}

// DeleteCollection removes a collection.
func (c *MemoryCatalog) DeleteCollection(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.collections, id)
}

// Dataset implements Catalog.
func (c *MemoryCatalog) Dataset(_ context.Context, id uuid.UUID) (*Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.datasets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrDatasetNotFound, id)
	}
	out := *d
	return &out, nil
}

// Collection implements Catalog.
func (c *MemoryCatalog) Collection(_ context.Context, id uuid.UUID) (*Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrCollectionNotFound, id)
	}
	out := *col
	return &out, nil
}

// UpdateCollection implements Catalog.
func (c *MemoryCatalog) UpdateCollection(_ context.Context, id uuid.UUID, update CollectionUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrCollectionNotFound, id)
	}
	if update.Name != "" {
		col.Name = update.Name
	}
	col.RawTextLength = update.RawTextLength
	col.RawTextHash = update.RawTextHash
	col.UpdatedAt = time.Now()
	return nil
}

// ClearImageExpiry implements Catalog.
func (c *MemoryCatalog) ClearImageExpiry(_ context.Context, teamID uuid.UUID, relatedID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, img := range c.images {
		if img.TeamID == teamID && img.RelatedID == relatedID && img.ExpiredAt != nil {
			img.ExpiredAt = nil
			n++
		}
	}
	return n, nil
}

// MemoryStore is an in-process UnitStore with the same claim semantics as
// the PostgreSQL store. It populates claimed units from a Catalog.
type MemoryStore struct {
	mu      sync.Mutex
	units   map[uuid.UUID]*WorkUnit
	order   []uuid.UUID
	catalog Catalog
	backoff time.Duration
	now     func() time.Time
}

var _ UnitStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A zero backoff uses
// DefaultClaimBackoff.
func NewMemoryStore(catalog Catalog, backoff time.Duration) *MemoryStore {
	if backoff <= 0 {
		backoff = DefaultClaimBackoff
	}
	return &MemoryStore{
		units:   make(map[uuid.UUID]*WorkUnit),
		catalog: catalog,
		backoff: backoff,
		now:     time.Now,
	}
}

// SetClock replaces the store clock. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func cloneUnit(u *WorkUnit) *WorkUnit {
	c := *u
	if u.LockTime != nil {
		t := *u.LockTime
		c.LockTime = &t
	}
	c.Dataset = nil
	c.Collection = nil
	return &c
}

// Create implements UnitStore.
func (s *MemoryStore) Create(_ context.Context, unit *WorkUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unit.ID == uuid.Nil {
		unit.ID = uuid.New()
	}
	if _, exists := s.units[unit.ID]; exists {
		return fmt.Errorf("%w: work unit %s", store.ErrDuplicate, unit.ID)
	}
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = s.now()
	}
	s.units[unit.ID] = cloneUnit(unit)
	s.order = append(s.order, unit.ID)
	return nil
}

// Get implements UnitStore. References are not populated.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnitNotFound, id)
	}
	return cloneUnit(u), nil
}

// ClaimNext implements ClaimStore.
func (s *MemoryStore) ClaimNext(ctx context.Context) (*WorkUnit, error) {
	s.mu.Lock()
	now := s.now()
	var claimed *WorkUnit
	for _, id := range s.order {
		u := s.units[id]
		if eligible(u, now, s.backoff) {
			lock := now
			u.LockTime = &lock
			u.RetryCount--
			claimed = cloneUnit(u)
			break
		}
	}
	s.mu.Unlock()

	if claimed == nil {
		return nil, nil
	}
	if err := PopulateClaimed(ctx, s, s.catalog, claimed); err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkFailed implements ClaimStore.
func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUnitNotFound, id)
	}
	now := s.now()
	u.LockTime = &now
	u.ErrorMessage = message
	return nil
}

// Release implements ClaimStore.
func (s *MemoryStore) Release(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUnitNotFound, id)
	}
	u.LockTime = nil
	u.RetryCount++
	return nil
}

// DeleteUnit implements ClaimStore.
func (s *MemoryStore) DeleteUnit(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrUnitNotFound, id)
	}
	delete(s.units, id)
	s.order = slices.DeleteFunc(s.order, func(other uuid.UUID) bool { return other == id })
	return nil
}
