// Package kafka publishes accepted chunk batches to a Kafka topic for an
// external training consumer.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/phrazzld/scry-ingest/internal/chunk"
	"github.com/phrazzld/scry-ingest/internal/pipeline"
	"github.com/phrazzld/scry-ingest/internal/training"
)

// Header names set on every message.
const (
	HeaderChunkKey  = "chunk-key"
	HeaderBillingID = "billing-id"
	HeaderMode      = "mode"
)

// Message is the JSON value of one published chunk.
type Message struct {
	TeamID       uuid.UUID     `json:"team_id"`
	TmbID        uuid.UUID     `json:"tmb_id"`
	DatasetID    uuid.UUID     `json:"dataset_id"`
	CollectionID uuid.UUID     `json:"collection_id"`
	BillingID    uuid.UUID     `json:"billing_id"`
	Mode         training.Mode `json:"mode"`
	AgentModel   string        `json:"agent_model"`
	VectorModel  string        `json:"vector_model"`
	VLMModel     string        `json:"vlm_model,omitempty"`
	IndexSize    int           `json:"index_size"`
	Chunk        chunk.Chunk   `json:"chunk"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Sink implements pipeline.TrainingQueue by writing one message per chunk,
// keyed by collection id so a collection's chunks stay in order on one
// partition. The chunk-key header lets consumers drop replayed chunks.
type Sink struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

var _ pipeline.TrainingQueue = (*Sink)(nil)

// NewSink creates a sink writing to topic on brokers.
func NewSink(brokers []string, topic string, logger *slog.Logger) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers cannot be empty")
	}
	if topic == "" {
		return nil, errors.New("kafka topic cannot be empty")
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafkago.RequireAll,
	}
	return newSink(w, topic, logger), nil
}

func newSink(w messageWriter, topic string, logger *slog.Logger) *Sink {
	return &Sink{writer: w, topic: topic, logger: logger.With("component", "kafka_sink", "topic", topic)}
}

// ChunkKey identifies a chunk across replays of the same batch.
func ChunkKey(collectionID uuid.UUID, c chunk.Chunk) string {
	return collectionID.String() + ":" + strconv.Itoa(c.Index) + ":" + chunk.Hash(c.Q+"\n"+c.A)
}

// Push implements pipeline.TrainingQueue. Either all messages of the batch
// are written or an error is returned and the unit is retried.
func (s *Sink) Push(ctx context.Context, batch pipeline.Batch) (pipeline.Receipt, error) {
	if len(batch.Chunks) == 0 {
		return pipeline.Receipt{TransferOwnership: true}, nil
	}

	key := []byte(batch.CollectionID.String())
	msgs := make([]kafkago.Message, 0, len(batch.Chunks))
	for _, c := range batch.Chunks {
		value, err := json.Marshal(Message{
			TeamID:       batch.TeamID,
			TmbID:        batch.TmbID,
			DatasetID:    batch.DatasetID,
			CollectionID: batch.CollectionID,
			BillingID:    batch.BillingID,
			Mode:         batch.Mode,
			AgentModel:   batch.AgentModel,
			VectorModel:  batch.VectorModel,
			VLMModel:     batch.VLMModel,
			IndexSize:    batch.IndexSize,
			Chunk:        c,
		})
		if err != nil {
			return pipeline.Receipt{}, fmt.Errorf("failed to encode chunk %d: %w", c.Index, err)
		}
		msgs = append(msgs, kafkago.Message{
			Key:   key,
			Value: value,
			Headers: []kafkago.Header{
				{Key: HeaderChunkKey, Value: []byte(ChunkKey(batch.CollectionID, c))},
				{Key: HeaderBillingID, Value: []byte(batch.BillingID.String())},
				{Key: HeaderMode, Value: []byte(batch.Mode)},
			},
		})
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return pipeline.Receipt{}, fmt.Errorf("failed to publish %d chunks of collection %s: %w",
			len(msgs), batch.CollectionID, err)
	}
	s.logger.DebugContext(ctx, "batch published",
		"collection_id", batch.CollectionID.String(),
		"chunks", len(msgs))
	return pipeline.Receipt{Accepted: len(msgs), TransferOwnership: true}, nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
