package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/phrazzld/scry-ingest/internal/training"
)

// Catalog is the PostgreSQL training.Catalog.
type Catalog struct {
	db store.DBTX
}

var _ training.Catalog = (*Catalog)(nil)

// NewCatalog creates a catalog on db.
func NewCatalog(db store.DBTX) *Catalog {
	return &Catalog{db: db}
}

// Dataset implements training.Catalog.
func (c *Catalog) Dataset(ctx context.Context, id uuid.UUID) (*training.Dataset, error) {
	var d training.Dataset
	err := c.db.QueryRow(ctx, `
		SELECT id, team_id, agent_model, vector_model, vlm_model, api_server
		FROM datasets WHERE id = $1`, id,
	).Scan(&d.ID, &d.TeamID, &d.AgentModel, &d.VectorModel, &d.VLMModel, &d.APIServer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrDatasetNotFound, id)
	}
	if err != nil {
		return nil, MapError(err)
	}
	return &d, nil
}

// Collection implements training.Catalog.
func (c *Catalog) Collection(ctx context.Context, id uuid.UUID) (*training.Collection, error) {
	var (
		col       training.Collection
		typ, proc string
	)
	err := c.db.QueryRow(ctx, `
		SELECT id, team_id, dataset_id, name, type, file_id, raw_link, api_file_id,
			external_file_url, external_file_id, web_page_selector, process_type,
			auto_indexes, image_index, chunk_settings, custom_pdf_parse, related_image_id,
			raw_text_length, raw_text_hash, updated_at
		FROM collections WHERE id = $1`, id,
	).Scan(&col.ID, &col.TeamID, &col.DatasetID, &col.Name, &typ, &col.FileID, &col.RawLink, &col.APIFileID,
		&col.ExternalFileURL, &col.ExternalFileID, &col.WebPageSelector, &proc,
		&col.AutoIndexes, &col.ImageIndex, &col.Chunk, &col.CustomPDFParse, &col.RelatedImageID,
		&col.RawTextLength, &col.RawTextHash, &col.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrCollectionNotFound, id)
	}
	if err != nil {
		return nil, MapError(err)
	}
	col.Type = training.CollectionType(typ)
	col.ProcessType = training.ProcessType(proc)
	return &col, nil
}

// UpdateCollection implements training.Catalog. An empty name keeps the
// stored one.
func (c *Catalog) UpdateCollection(ctx context.Context, id uuid.UUID, update training.CollectionUpdate) error {
	tag, err := c.db.Exec(ctx, `
		UPDATE collections SET
			name = COALESCE(NULLIF($2, ''), name),
			raw_text_length = $3,
			raw_text_hash = $4,
			updated_at = now()
		WHERE id = $1`, id, update.Name, update.RawTextLength, update.RawTextHash)
	if err != nil {
		return MapError(err)
	}
	return checkRowsAffected(tag, store.ErrCollectionNotFound, id)
}

// ClearImageExpiry implements training.Catalog.
func (c *Catalog) ClearImageExpiry(ctx context.Context, teamID uuid.UUID, relatedID string) (int, error) {
	tag, err := c.db.Exec(ctx, `
		UPDATE images SET expired_at = NULL
		WHERE team_id = $1 AND related_id = $2 AND expired_at IS NOT NULL`, teamID, relatedID)
	if err != nil {
		return 0, MapError(err)
	}
	return int(tag.RowsAffected()), nil
}

// PutDataset inserts or replaces a dataset.
func (c *Catalog) PutDataset(ctx context.Context, d training.Dataset) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO datasets (id, team_id, agent_model, vector_model, vlm_model, api_server)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			team_id = EXCLUDED.team_id,
			agent_model = EXCLUDED.agent_model,
			vector_model = EXCLUDED.vector_model,
			vlm_model = EXCLUDED.vlm_model,
			api_server = EXCLUDED.api_server`,
		d.ID, d.TeamID, d.AgentModel, d.VectorModel, d.VLMModel, d.APIServer)
	return MapError(err)
}

// PutCollection inserts or replaces a collection.
func (c *Catalog) PutCollection(ctx context.Context, col training.Collection) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO collections (id, team_id, dataset_id, name, type, file_id, raw_link, api_file_id,
			external_file_url, external_file_id, web_page_selector, process_type,
			auto_indexes, image_index, chunk_settings, custom_pdf_parse, related_image_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			file_id = EXCLUDED.file_id,
			raw_link = EXCLUDED.raw_link,
			api_file_id = EXCLUDED.api_file_id,
			external_file_url = EXCLUDED.external_file_url,
			external_file_id = EXCLUDED.external_file_id,
			web_page_selector = EXCLUDED.web_page_selector,
			process_type = EXCLUDED.process_type,
			auto_indexes = EXCLUDED.auto_indexes,
			image_index = EXCLUDED.image_index,
			chunk_settings = EXCLUDED.chunk_settings,
			custom_pdf_parse = EXCLUDED.custom_pdf_parse,
			related_image_id = EXCLUDED.related_image_id,
			updated_at = now()`,
		col.ID, col.TeamID, col.DatasetID, col.Name, string(col.Type), col.FileID, col.RawLink, col.APIFileID,
		col.ExternalFileURL, col.ExternalFileID, col.WebPageSelector, string(col.ProcessType),
		col.AutoIndexes, col.ImageIndex, col.Chunk, col.CustomPDFParse, col.RelatedImageID)
	return MapError(err)
}
