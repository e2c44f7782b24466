package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/scry-ingest/internal/redact"
	"github.com/phrazzld/scry-ingest/internal/store"
)

// DefaultClaimBackoff is how long a failed unit waits before it is claimable
// again.
const DefaultClaimBackoff = 10 * time.Minute

// DefaultRetryBudget is the number of claims a new unit allows.
const DefaultRetryBudget = 5

// ClaimStore hands out work units to pipeline workers.
type ClaimStore interface {
	// ClaimNext atomically selects one eligible parse unit, stamps its lock
	// time and spends one retry. It returns nil, nil when nothing is
	// eligible. Dataset and Collection are populated when they still exist.
	ClaimNext(ctx context.Context) (*WorkUnit, error)

	// MarkFailed records message and resets the lock time to now, so the
	// unit becomes claimable again once the backoff window has passed.
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error

	// Release hands a claimed unit back as if it had never been claimed:
	// the retry spent by the claim is restored and the lock cleared, so the
	// unit is claimable again right away. Used when work is deferred rather
	// than failed.
	Release(ctx context.Context, id uuid.UUID) error

	// DeleteUnit removes a unit for good.
	DeleteUnit(ctx context.Context, id uuid.UUID) error
}

// UnitStore is a ClaimStore that also accepts and returns units.
type UnitStore interface {
	ClaimStore
	Create(ctx context.Context, unit *WorkUnit) error
	Get(ctx context.Context, id uuid.UUID) (*WorkUnit, error)
}

// CollectionUpdate is the bookkeeping applied to a collection after its text
// was chunked. An empty Name keeps the current one.
type CollectionUpdate struct {
	Name          string
	RawTextLength int
	RawTextHash   string
}

// Catalog resolves and updates the datasets and collections units refer to.
type Catalog interface {
	Dataset(ctx context.Context, id uuid.UUID) (*Dataset, error)
	Collection(ctx context.Context, id uuid.UUID) (*Collection, error)
	UpdateCollection(ctx context.Context, id uuid.UUID, update CollectionUpdate) error
	// ClearImageExpiry keeps the images of a related group by removing their
	// expiry. It returns the number of images touched.
	ClearImageExpiry(ctx context.Context, teamID uuid.UUID, relatedID string) (int, error)
}

// eligible reports whether u may be claimed at now.
func eligible(u *WorkUnit, now time.Time, backoff time.Duration) bool {
	if u.Mode != ModeParse || u.RetryCount <= 0 {
		return false
	}
	return u.LockTime == nil || !u.LockTime.After(now.Add(-backoff))
}

// Populate fills in the dataset and collection of a claimed unit. A missing
// row leaves the reference nil; any other lookup error is returned.
func Populate(ctx context.Context, catalog Catalog, u *WorkUnit) error {
	d, err := catalog.Dataset(ctx, u.DatasetID)
	switch {
	case err == nil:
		u.Dataset = d
	case !store.IsNotFoundError(err):
		return fmt.Errorf("failed to load dataset %s: %w", u.DatasetID, err)
	}
	c, err := catalog.Collection(ctx, u.CollectionID)
	switch {
	case err == nil:
		u.Collection = c
	case !store.IsNotFoundError(err):
		return fmt.Errorf("failed to load collection %s: %w", u.CollectionID, err)
	}
	return nil
}

// PopulateClaimed runs Populate for a unit that cs just claimed. When the
// lookup fails the unit is marked failed, so it backs off with a message
// instead of sitting locked with a spent retry.
func PopulateClaimed(ctx context.Context, cs ClaimStore, catalog Catalog, u *WorkUnit) error {
	if catalog == nil {
		return nil
	}
	err := Populate(ctx, catalog, u)
	if err == nil {
		return nil
	}
	if markErr := cs.MarkFailed(ctx, u.ID, redact.Message(err)); markErr != nil {
		return errors.Join(err, fmt.Errorf("failed to mark unit %s failed: %w", u.ID, markErr))
	}
	return err
}
