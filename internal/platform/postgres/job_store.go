package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/phrazzld/scry-ingest/internal/queue"
	"github.com/phrazzld/scry-ingest/internal/store"
)

const jobColumns = `id, queue, name, payload, dedup_key, dedup_expires_at, state,
	attempts, attempts_made, run_at, locked_until, lease_id, last_error, created_at, updated_at`

// JobStore is the PostgreSQL queue.Backend.
type JobStore struct {
	db DB
}

var _ queue.Backend = (*JobStore)(nil)

// DB is a pool: it runs statements and opens transactions.
type DB interface {
	store.DBTX
	store.TxBeginner
}

// NewJobStore creates a job store on db.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		j              queue.Job
		dedupKey       *string
		dedupExpiresAt *time.Time
		lockedUntil    *time.Time
		leaseID        uuid.NullUUID
		state          string
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Name, &j.Payload, &dedupKey, &dedupExpiresAt, &state,
		&j.Attempts, &j.AttemptsMade, &j.RunAt, &lockedUntil, &leaseID, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.State = queue.State(state)
	if dedupKey != nil {
		j.DedupKey = *dedupKey
	}
	if dedupExpiresAt != nil {
		j.DedupExpiresAt = *dedupExpiresAt
	}
	if lockedUntil != nil {
		j.LockedUntil = *lockedUntil
	}
	if leaseID.Valid {
		j.LeaseID = leaseID.UUID
	}
	return &j, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func jobNotFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %w: %s", queue.ErrJobNotFound, store.ErrJobNotFound, id)
}

// Add implements queue.Backend. The dedup check and the insert run under a
// transaction-scoped advisory lock on (queue, dedup key).
func (s *JobStore) Add(ctx context.Context, job *queue.Job) (*queue.Job, bool, error) {
	var (
		stored       *queue.Job
		deduplicated bool
	)
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		if job.DedupKey != "" {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`,
				job.Queue, job.DedupKey); err != nil {
				return err
			}
			existing, err := scanJob(tx.QueryRow(ctx, `
				SELECT `+jobColumns+` FROM queue_jobs
				WHERE queue = $1 AND dedup_key = $2
				  AND (state NOT IN ('completed', 'failed')
				       OR (dedup_expires_at IS NOT NULL AND dedup_expires_at > now()))
				ORDER BY created_at DESC
				LIMIT 1`, job.Queue, job.DedupKey))
			switch {
			case err == nil:
				stored, deduplicated = existing, true
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}
		}

		id := job.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		var err error
		stored, err = scanJob(tx.QueryRow(ctx, `
			INSERT INTO queue_jobs (id, queue, name, payload, dedup_key, dedup_expires_at, state,
				attempts, attempts_made, run_at, last_error)
			VALUES ($1, $2, $3, COALESCE($4::jsonb, '{}'::jsonb), $5, $6, $7, $8, 0, $9, '')
			RETURNING `+jobColumns,
			id, job.Queue, job.Name, []byte(job.Payload), nullString(job.DedupKey), nullTime(job.DedupExpiresAt),
			string(job.State), job.Attempts, job.RunAt))
		return err
	})
	if err != nil {
		return nil, false, MapError(err)
	}
	return stored, deduplicated, nil
}

// Claim implements queue.Backend with a single SKIP LOCKED statement. Active
// jobs whose lease lapsed are handed out again under a new lease id.
func (s *JobStore) Claim(ctx context.Context, queueName string, lease time.Duration) (*queue.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE queue_jobs SET
			state = 'active',
			locked_until = now() + $2::bigint * interval '1 microsecond',
			lease_id = $3,
			updated_at = now()
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = $1
			  AND ((state IN ('waiting', 'delayed') AND run_at <= now())
			       OR (state = 'active' AND locked_until < now()))
			ORDER BY run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, queueName, lease.Microseconds(), uuid.New()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, MapError(err)
	}
	return j, nil
}

func (s *JobStore) finish(ctx context.Context, id uuid.UUID, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return jobNotFound(id)
	}
	return nil
}

// ack runs a lease-guarded update. $1 is the job id and $2 the lease; the
// statement must match only an active row holding that lease.
func (s *JobStore) ack(ctx context.Context, id, lease uuid.UUID, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, append([]any{id, lease}, args...)...)
	if err != nil {
		return MapError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return MapError(err)
	}
	if !exists {
		return jobNotFound(id)
	}
	return fmt.Errorf("%w: %s", queue.ErrLeaseLost, id)
}

// Complete implements queue.Backend.
func (s *JobStore) Complete(ctx context.Context, id, lease uuid.UUID) error {
	return s.ack(ctx, id, lease, `
		UPDATE queue_jobs SET state = 'completed', attempts_made = attempts_made + 1,
			locked_until = NULL, lease_id = NULL, updated_at = now()
		WHERE id = $1 AND state = 'active' AND lease_id = $2`)
}

// Retry implements queue.Backend.
func (s *JobStore) Retry(ctx context.Context, id, lease uuid.UUID, runAt time.Time, lastErr string) error {
	return s.ack(ctx, id, lease, `
		UPDATE queue_jobs SET
			state = CASE WHEN $3::timestamptz > now() THEN 'delayed' ELSE 'waiting' END,
			attempts_made = attempts_made + 1,
			run_at = $3, locked_until = NULL, lease_id = NULL, last_error = $4, updated_at = now()
		WHERE id = $1 AND state = 'active' AND lease_id = $2`, runAt, lastErr)
}

// Fail implements queue.Backend.
func (s *JobStore) Fail(ctx context.Context, id, lease uuid.UUID, lastErr string) error {
	return s.ack(ctx, id, lease, `
		UPDATE queue_jobs SET state = 'failed', attempts_made = attempts_made + 1,
			locked_until = NULL, lease_id = NULL, last_error = $3, updated_at = now()
		WHERE id = $1 AND state = 'active' AND lease_id = $2`, lastErr)
}

// List implements queue.Backend. With no states every job in the queue is
// returned.
func (s *JobStore) List(ctx context.Context, queueName string, states ...queue.State) ([]*queue.Job, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM queue_jobs
		WHERE queue = $1 AND (cardinality($2::text[]) = 0 OR state = ANY($2))
		ORDER BY created_at`, queueName, names)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	var out []*queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, MapError(err)
		}
		out = append(out, j)
	}
	return out, MapError(rows.Err())
}

// Remove implements queue.Backend.
func (s *JobStore) Remove(ctx context.Context, id uuid.UUID) error {
	return s.finish(ctx, id, `DELETE FROM queue_jobs WHERE id = $1`)
}

// Get implements queue.Backend.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*queue.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	if err != nil {
		return nil, MapError(err)
	}
	return j, nil
}
