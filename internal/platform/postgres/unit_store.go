package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/phrazzld/scry-ingest/internal/training"
)

const unitColumns = `id, team_id, tmb_id, dataset_id, collection_id, billing_id, mode,
	lock_time, error_message, retry_count, created_at`

// UnitStore is the PostgreSQL training.UnitStore.
type UnitStore struct {
	db      store.DBTX
	catalog training.Catalog
	backoff time.Duration
}

var _ training.UnitStore = (*UnitStore)(nil)

// NewUnitStore creates a unit store. Claimed units get their dataset and
// collection from catalog. A zero backoff uses training.DefaultClaimBackoff.
func NewUnitStore(db store.DBTX, catalog training.Catalog, backoff time.Duration) *UnitStore {
	if backoff <= 0 {
		backoff = training.DefaultClaimBackoff
	}
	return &UnitStore{db: db, catalog: catalog, backoff: backoff}
}

func scanUnit(row pgx.Row) (*training.WorkUnit, error) {
	var (
		u    training.WorkUnit
		mode string
	)
	err := row.Scan(&u.ID, &u.TeamID, &u.TmbID, &u.DatasetID, &u.CollectionID, &u.BillingID, &mode,
		&u.LockTime, &u.ErrorMessage, &u.RetryCount, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Mode = training.Mode(mode)
	return &u, nil
}

// Create implements training.UnitStore.
func (s *UnitStore) Create(ctx context.Context, unit *training.WorkUnit) error {
	if unit.ID == uuid.Nil {
		unit.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO training_units (id, team_id, tmb_id, dataset_id, collection_id, billing_id,
			mode, lock_time, error_message, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		unit.ID, unit.TeamID, unit.TmbID, unit.DatasetID, unit.CollectionID, unit.BillingID,
		string(unit.Mode), unit.LockTime, unit.ErrorMessage, unit.RetryCount,
	).Scan(&unit.CreatedAt)
	if err != nil {
		return MapError(err)
	}
	return nil
}

// Get implements training.UnitStore. References are not populated.
func (s *UnitStore) Get(ctx context.Context, id uuid.UUID) (*training.WorkUnit, error) {
	u, err := scanUnit(s.db.QueryRow(ctx, `SELECT `+unitColumns+` FROM training_units WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrUnitNotFound, id)
	}
	if err != nil {
		return nil, MapError(err)
	}
	return u, nil
}

// ClaimNext implements training.ClaimStore. Selection, lock stamp and retry
// decrement happen in one statement; SKIP LOCKED keeps concurrent claimers
// off the same row.
func (s *UnitStore) ClaimNext(ctx context.Context) (*training.WorkUnit, error) {
	u, err := scanUnit(s.db.QueryRow(ctx, `
		UPDATE training_units SET
			lock_time = now(),
			retry_count = retry_count - 1
		WHERE id = (
			SELECT id FROM training_units
			WHERE mode = $1
			  AND retry_count > 0
			  AND (lock_time IS NULL OR lock_time <= now() - $2::bigint * interval '1 microsecond')
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+unitColumns, string(training.ModeParse), s.backoff.Microseconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim work unit: %w", MapError(err))
	}

	if err := training.PopulateClaimed(ctx, s, s.catalog, u); err != nil {
		return nil, err
	}
	return u, nil
}

// MarkFailed implements training.ClaimStore.
func (s *UnitStore) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE training_units SET lock_time = now(), error_message = $2 WHERE id = $1`, id, message)
	if err != nil {
		return MapError(err)
	}
	return checkRowsAffected(tag, store.ErrUnitNotFound, id)
}

// Release implements training.ClaimStore.
func (s *UnitStore) Release(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE training_units SET lock_time = NULL, retry_count = retry_count + 1 WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}
	return checkRowsAffected(tag, store.ErrUnitNotFound, id)
}

// DeleteUnit implements training.ClaimStore.
func (s *UnitStore) DeleteUnit(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM training_units WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}
	return checkRowsAffected(tag, store.ErrUnitNotFound, id)
}
