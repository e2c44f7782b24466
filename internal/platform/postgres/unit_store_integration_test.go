//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/scry-ingest/internal/platform/postgres"
	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/phrazzld/scry-ingest/internal/testdb"
	"github.com/phrazzld/scry-ingest/internal/training"
)

// clearUnits hides rows committed by other runs from this transaction.
func clearUnits(t *testing.T, tx pgx.Tx) {
	t.Helper()
	_, err := tx.Exec(context.Background(), `DELETE FROM training_units`)
	require.NoError(t, err)
}

func TestUnitStore_ClaimPopulatesReferences(t *testing.T) {
	testdb.WithTx(t, func(t *testing.T, tx pgx.Tx) {
		ctx := context.Background()
		clearUnits(t, tx)
		d, col := seedCollection(t, tx)
		units := postgres.NewUnitStore(tx, postgres.NewCatalog(tx), 0)

		u := newUnit(d, col)
		require.NoError(t, units.Create(ctx, u))
		assert.NotEqual(t, uuid.Nil, u.ID)
		assert.False(t, u.CreatedAt.IsZero())

		claimed, err := units.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, u.ID, claimed.ID)
		assert.Equal(t, training.DefaultRetryBudget-1, claimed.RetryCount)
		require.NotNil(t, claimed.LockTime)
		require.NotNil(t, claimed.Dataset)
		require.NotNil(t, claimed.Collection)
		assert.Equal(t, "http://files.local", claimed.Dataset.APIServer.BaseURL)
		assert.Equal(t, training.CollectionLink, claimed.Collection.Type)
		assert.Equal(t, 500, claimed.Collection.Chunk.ChunkSize)

		again, err := units.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, again, "locked unit must wait out the backoff")
	})
}

func TestUnitStore_FailedUnitWaitsForBackoff(t *testing.T) {
	testdb.WithTx(t, func(t *testing.T, tx pgx.Tx) {
		ctx := context.Background()
		clearUnits(t, tx)
		d, col := seedCollection(t, tx)
		units := postgres.NewUnitStore(tx, postgres.NewCatalog(tx), 0)

		u := newUnit(d, col)
		require.NoError(t, units.Create(ctx, u))
		_, err := units.ClaimNext(ctx)
		require.NoError(t, err)

		require.NoError(t, units.MarkFailed(ctx, u.ID, "read failed"))
		got, err := units.Get(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "read failed", got.ErrorMessage)

		none, err := units.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, none)

		_, err = tx.Exec(ctx, `UPDATE training_units SET lock_time = now() - interval '11 minutes' WHERE id = $1`, u.ID)
		require.NoError(t, err)
		again, err := units.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, training.DefaultRetryBudget-2, again.RetryCount)
	})
}

func TestUnitStore_ReleaseRestoresClaim(t *testing.T) {
	testdb.WithTx(t, func(t *testing.T, tx pgx.Tx) {
		ctx := context.Background()
		clearUnits(t, tx)
		d, col := seedCollection(t, tx)
		units := postgres.NewUnitStore(tx, postgres.NewCatalog(tx), time.Hour)

		u := newUnit(d, col)
		require.NoError(t, units.Create(ctx, u))
		claimed, err := units.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		require.NoError(t, units.Release(ctx, u.ID))
		got, err := units.Get(ctx, u.ID)
		require.NoError(t, err)
		assert.Nil(t, got.LockTime)
		assert.Equal(t, training.DefaultRetryBudget, got.RetryCount)
		assert.Empty(t, got.ErrorMessage)

		again, err := units.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, again, "released unit skips the backoff")
		assert.Equal(t, u.ID, again.ID)

		assert.ErrorIs(t, units.Release(ctx, uuid.New()), store.ErrUnitNotFound)
	})
}

// Runs on the pool with committed rows: claimers need separate connections
// for SKIP LOCKED to matter.
func TestUnitStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	pool := testdb.Pool(t)
	ctx := context.Background()
	units := postgres.NewUnitStore(pool, postgres.NewCatalog(pool), time.Hour)

	team := uuid.New()
	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), `DELETE FROM training_units WHERE team_id = $1`, team)
		assert.NoError(t, err)
	})

	const unitCount = 40
	seeded := make(map[uuid.UUID]bool, unitCount)
	for i := 0; i < unitCount; i++ {
		u := &training.WorkUnit{
			TeamID:       team,
			TmbID:        uuid.New(),
			DatasetID:    uuid.New(),
			CollectionID: uuid.New(),
			BillingID:    uuid.New(),
			Mode:         training.ModeParse,
			RetryCount:   training.DefaultRetryBudget,
		}
		require.NoError(t, units.Create(ctx, u))
		seeded[u.ID] = true
	}

	var (
		mu     sync.Mutex
		counts = make(map[uuid.UUID]int)
		wg     sync.WaitGroup
		errs   = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				u, err := units.ClaimNext(ctx)
				if err != nil {
					errs <- err
					return
				}
				if u == nil {
					return
				}
				mu.Lock()
				counts[u.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for id := range seeded {
		assert.Equal(t, 1, counts[id], "unit %s", id)
	}

	rows, err := pool.Query(ctx, `SELECT retry_count, lock_time IS NOT NULL FROM training_units WHERE team_id = $1`, team)
	require.NoError(t, err)
	defer rows.Close()
	n := 0
	for rows.Next() {
		var retries int
		var locked bool
		require.NoError(t, rows.Scan(&retries, &locked))
		assert.Equal(t, training.DefaultRetryBudget-1, retries)
		assert.True(t, locked)
		n++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, unitCount, n)
}

func TestUnitStore_SkipsExhaustedAndOtherModes(t *testing.T) {
	testdb.WithTx(t, func(t *testing.T, tx pgx.Tx) {
		ctx := context.Background()
		clearUnits(t, tx)
		d, col := seedCollection(t, tx)
		units := postgres.NewUnitStore(tx, postgres.NewCatalog(tx), 0)

		exhausted := newUnit(d, col)
		exhausted.RetryCount = 0
		require.NoError(t, units.Create(ctx, exhausted))

		chunkMode := newUnit(d, col)
		chunkMode.Mode = training.ModeChunk
		require.NoError(t, units.Create(ctx, chunkMode))

		claimed, err := units.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, claimed)
	})
}

func TestUnitStore_MissingReferencesStayNil(t *testing.T) {
	testdb.WithTx(t, func(t *testing.T, tx pgx.Tx) {
		ctx := context.Background()
		clearUnits(t, tx)
		units := postgres.NewUnitStore(tx, postgres.NewCatalog(tx), 0)

		orphan := &training.WorkUnit{
			TeamID:       uuid.New(),
			TmbID:        uuid.New(),
			DatasetID:    uuid.New(),
			CollectionID: uuid.New(),
			BillingID:    uuid.New(),
			Mode:         training.ModeParse,
			RetryCount:   1,
		}
		require.NoError(t, units.Create(ctx, orphan))

		claimed, err := units.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Nil(t, claimed.Dataset)
		assert.Nil(t, claimed.Collection)

		require.NoError(t, units.DeleteUnit(ctx, orphan.ID))
		_, err = units.Get(ctx, orphan.ID)
		assert.ErrorIs(t, err, store.ErrUnitNotFound)
		assert.ErrorIs(t, units.DeleteUnit(ctx, orphan.ID), store.ErrUnitNotFound)
	})
}

func TestCatalog_UpdatesAndImages(t *testing.T) {
	testdb.WithTx(t, func(t *testing.T, tx pgx.Tx) {
		ctx := context.Background()
		catalog := postgres.NewCatalog(tx)
		_, col := seedCollection(t, tx)

		require.NoError(t, catalog.UpdateCollection(ctx, col.ID, training.CollectionUpdate{
			RawTextLength: 42,
			RawTextHash:   "abc",
		}))
		got, err := catalog.Collection(ctx, col.ID)
		require.NoError(t, err)
		assert.Equal(t, "Untitled", got.Name, "empty name keeps the stored one")
		assert.Equal(t, 42, got.RawTextLength)

		require.NoError(t, catalog.UpdateCollection(ctx, col.ID, training.CollectionUpdate{Name: "Guide"}))
		got, err = catalog.Collection(ctx, col.ID)
		require.NoError(t, err)
		assert.Equal(t, "Guide", got.Name)

		err = catalog.UpdateCollection(ctx, uuid.New(), training.CollectionUpdate{Name: "x"})
		assert.ErrorIs(t, err, store.ErrCollectionNotFound)
		_, err = catalog.Dataset(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrDatasetNotFound)

		for i := 0; i < 2; i++ {
			_, err = tx.Exec(ctx, `INSERT INTO images (id, team_id, related_id, expired_at)
				VALUES ($1, $2, $3, now() + interval '1 day')`, uuid.New(), col.TeamID, col.RelatedImageID)
			require.NoError(t, err)
		}
		n, err := catalog.ClearImageExpiry(ctx, col.TeamID, col.RelatedImageID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = catalog.ClearImageExpiry(ctx, col.TeamID, col.RelatedImageID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
