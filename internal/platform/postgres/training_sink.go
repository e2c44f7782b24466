package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/phrazzld/scry-ingest/internal/chunk"
	"github.com/phrazzld/scry-ingest/internal/pipeline"
	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/phrazzld/scry-ingest/internal/training"
)

// TrainingSink stores accepted batches in training_data. A replayed batch
// inserts nothing new: rows are unique per (collection, chunk index, chunk
// hash), and only newly inserted rows count against the index limit.
type TrainingSink struct {
	db     DB
	quotas *QuotaStore
}

var _ pipeline.TrainingQueue = (*TrainingSink)(nil)

// NewTrainingSink creates a sink. quotas receives the index count of every
// inserted chunk in the same transaction.
func NewTrainingSink(db DB, quotas *QuotaStore) (*TrainingSink, error) {
	if quotas == nil {
		return nil, errors.New("quota store cannot be nil")
	}
	return &TrainingSink{db: db, quotas: quotas}, nil
}

// Push implements pipeline.TrainingQueue.
func (s *TrainingSink) Push(ctx context.Context, batch pipeline.Batch) (pipeline.Receipt, error) {
	if len(batch.Chunks) == 0 {
		return pipeline.Receipt{TransferOwnership: true}, nil
	}

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, c := range batch.Chunks {
			indexes := c.Indexes
			if indexes == nil {
				indexes = []string{}
			}
			b.Queue(`
				INSERT INTO training_data (team_id, tmb_id, dataset_id, collection_id, billing_id, mode,
					agent_model, vector_model, vlm_model, index_size, chunk_index, chunk_hash, q, a, indexes)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
				ON CONFLICT ON CONSTRAINT training_data_chunk_key DO NOTHING`,
				batch.TeamID, batch.TmbID, batch.DatasetID, batch.CollectionID, batch.BillingID, string(batch.Mode),
				batch.AgentModel, batch.VectorModel, batch.VLMModel, batch.IndexSize,
				c.Index, chunk.Hash(c.Q+"\n"+c.A), c.Q, c.A, indexes)
		}

		results := tx.SendBatch(ctx, b)
		inserted := 0
		for range batch.Chunks {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		if err := results.Close(); err != nil {
			return err
		}

		if inserted == 0 {
			return nil
		}
		return s.quotas.addIndexes(ctx, tx, batch.TeamID, training.PredictIndexCount(batch.Mode, inserted))
	})
	if err != nil {
		return pipeline.Receipt{}, fmt.Errorf("failed to store training batch for collection %s: %w",
			batch.CollectionID, MapError(err))
	}
	return pipeline.Receipt{Accepted: len(batch.Chunks), TransferOwnership: true}, nil
}

// CountChunks returns the number of stored chunks of a collection.
func (s *TrainingSink) CountChunks(ctx context.Context, collectionID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM training_data WHERE collection_id = $1`, collectionID).Scan(&n)
	return n, MapError(err)
}
