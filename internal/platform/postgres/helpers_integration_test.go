//go:build integration

package postgres_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/scry-ingest/internal/platform/postgres"
	"github.com/phrazzld/scry-ingest/internal/training"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedCollection stores a dataset with one link collection and returns both.
func seedCollection(t *testing.T, tx pgx.Tx) (training.Dataset, training.Collection) {
	t.Helper()
	ctx := context.Background()
	catalog := postgres.NewCatalog(tx)

	team := uuid.New()
	d := training.Dataset{
		ID:          uuid.New(),
		TeamID:      team,
		AgentModel:  "agent-1",
		VectorModel: "vector-1",
		APIServer:   &training.APIServer{BaseURL: "http://files.local", AuthToken: "secret"},
	}
	require.NoError(t, catalog.PutDataset(ctx, d))

	col := training.Collection{
		ID:          uuid.New(),
		TeamID:      team,
		DatasetID:   d.ID,
		Name:        "Untitled",
		Type:        training.CollectionLink,
		RawLink:     "https://example.com/doc",
		ProcessType: training.ProcessChunk,
		Chunk: training.ChunkSettings{
			TriggerType: training.TriggerForce,
			ChunkSize:   500,
		},
		RelatedImageID: "rel-" + uuid.NewString(),
	}
	require.NoError(t, catalog.PutCollection(ctx, col))
	return d, col
}

func newUnit(d training.Dataset, col training.Collection) *training.WorkUnit {
	return &training.WorkUnit{
		TeamID:       d.TeamID,
		TmbID:        uuid.New(),
		DatasetID:    d.ID,
		CollectionID: col.ID,
		BillingID:    uuid.New(),
		Mode:         training.ModeParse,
		RetryCount:   training.DefaultRetryBudget,
	}
}
