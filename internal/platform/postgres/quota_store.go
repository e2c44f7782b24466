package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/phrazzld/scry-ingest/internal/quota"
	"github.com/phrazzld/scry-ingest/internal/store"
)

// QuotaStore is the PostgreSQL quota.Service. Teams without a row get one
// with the default limits on first use.
type QuotaStore struct {
	db       store.DBTX
	defaults quota.Limits
	cost     int64
}

var _ quota.Service = (*QuotaStore)(nil)

// NewQuotaStore creates a quota store charging cost points per reservation.
func NewQuotaStore(db store.DBTX, defaults quota.Limits, cost int64) *QuotaStore {
	return &QuotaStore{db: db, defaults: defaults, cost: cost}
}

func (s *QuotaStore) ensure(ctx context.Context, db store.DBTX, teamID uuid.UUID) error {
	_, err := db.Exec(ctx, `
		INSERT INTO team_quotas (team_id, ai_points, index_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id) DO NOTHING`, teamID, s.defaults.AIPoints, s.defaults.IndexLimit)
	return MapError(err)
}

// CheckAndReserve implements quota.Service. The conditional UPDATE makes
// check and charge one atomic step.
func (s *QuotaStore) CheckAndReserve(ctx context.Context, teamID uuid.UUID) (bool, error) {
	if err := s.ensure(ctx, s.db, teamID); err != nil {
		return false, fmt.Errorf("failed to load quota of team %s: %w", teamID, err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE team_quotas SET ai_points_used = ai_points_used + $2, updated_at = now()
		WHERE team_id = $1 AND ai_points_used + $2 <= ai_points`, teamID, s.cost)
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota of team %s: %w", teamID, MapError(err))
	}
	return tag.RowsAffected() == 1, nil
}

// CheckIndexLimit implements quota.Service. It is an early reject only;
// TrainingSink enforces the limit again inside the push transaction.
func (s *QuotaStore) CheckIndexLimit(ctx context.Context, teamID uuid.UUID, added int) error {
	if added < 0 {
		return fmt.Errorf("added index count cannot be negative: %d", added)
	}
	q, err := s.Quota(ctx, teamID)
	if err != nil {
		return err
	}
	return q.CheckIndexLimit(added)
}

// Quota returns the stored quota of a team, creating it with the defaults
// when missing.
func (s *QuotaStore) Quota(ctx context.Context, teamID uuid.UUID) (quota.TeamQuota, error) {
	if err := s.ensure(ctx, s.db, teamID); err != nil {
		return quota.TeamQuota{}, fmt.Errorf("failed to load quota of team %s: %w", teamID, err)
	}
	q := quota.TeamQuota{TeamID: teamID}
	err := s.db.QueryRow(ctx, `
		SELECT ai_points, ai_points_used, index_limit, index_count, updated_at
		FROM team_quotas WHERE team_id = $1`, teamID,
	).Scan(&q.AIPoints, &q.AIPointsUsed, &q.IndexLimit, &q.IndexCount, &q.UpdatedAt)
	if err != nil {
		return quota.TeamQuota{}, MapError(err)
	}
	return q, nil
}

// SetQuota replaces the stored quota of a team.
func (s *QuotaStore) SetQuota(ctx context.Context, q quota.TeamQuota) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO team_quotas (team_id, ai_points, ai_points_used, index_limit, index_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (team_id) DO UPDATE SET
			ai_points = EXCLUDED.ai_points,
			ai_points_used = EXCLUDED.ai_points_used,
			index_limit = EXCLUDED.index_limit,
			index_count = EXCLUDED.index_count,
			updated_at = now()`,
		q.TeamID, q.AIPoints, q.AIPointsUsed, q.IndexLimit, q.IndexCount)
	return MapError(err)
}

// addIndexes records n new index rows for a team on db, which is normally
// the transaction that inserted them. The increment is conditional on the
// limit, so concurrent batches of one team cannot overshoot it; a batch that
// does not fit gets an IndexLimitError and the caller rolls back.
func (s *QuotaStore) addIndexes(ctx context.Context, db store.DBTX, teamID uuid.UUID, n int) error {
	if n == 0 {
		return nil
	}
	if err := s.ensure(ctx, db, teamID); err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `
		UPDATE team_quotas SET index_count = index_count + $2, updated_at = now()
		WHERE team_id = $1 AND index_count + $2 <= index_limit`, teamID, n)
	if err != nil {
		return MapError(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	q := quota.TeamQuota{TeamID: teamID}
	if err := db.QueryRow(ctx, `SELECT index_limit, index_count FROM team_quotas WHERE team_id = $1`, teamID).
		Scan(&q.IndexLimit, &q.IndexCount); err != nil {
		return MapError(err)
	}
	return &quota.IndexLimitError{TeamID: teamID, Limit: q.IndexLimit, Current: q.IndexCount, Added: int64(n)}
}

// UsageStore is the PostgreSQL quota.UsageRecorder.
type UsageStore struct {
	db store.DBTX
}

var _ quota.UsageRecorder = (*UsageStore)(nil)

// NewUsageStore creates a usage store on db.
func NewUsageStore(db store.DBTX) *UsageStore {
	return &UsageStore{db: db}
}

// RecordUsage implements quota.UsageRecorder.
func (s *UsageStore) RecordUsage(ctx context.Context, u quota.Usage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_records (billing_id, team_id, tmb_id, model, input_tokens, output_tokens, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8::timestamptz, now()))`,
		u.BillingID, u.TeamID, u.TmbID, u.Model, u.InputTokens, u.OutputTokens, u.Mode, nullTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record usage for billing %s: %w", u.BillingID, MapError(err))
	}
	return nil
}

// ListUsage returns the usage recorded under a billing id, oldest first.
func (s *UsageStore) ListUsage(ctx context.Context, billingID uuid.UUID) ([]quota.Usage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT billing_id, team_id, tmb_id, model, input_tokens, output_tokens, mode, created_at
		FROM usage_records WHERE billing_id = $1 ORDER BY id`, billingID)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	var out []quota.Usage
	for rows.Next() {
		var u quota.Usage
		if err := rows.Scan(&u.BillingID, &u.TeamID, &u.TmbID, &u.Model,
			&u.InputTokens, &u.OutputTokens, &u.Mode, &u.CreatedAt); err != nil {
			return nil, MapError(err)
		}
		out = append(out, u)
	}
	return out, MapError(rows.Err())
}
