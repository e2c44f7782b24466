package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the ingest service.
const (
	// TypeParseRequested is emitted when a work unit is created for a team.
	// Its payload is a ParseRequested.
	TypeParseRequested = "dataset.parse_requested"

	// TypeBatchAccepted is emitted after the training queue accepted a batch.
	// Its payload is a BatchAccepted.
	TypeBatchAccepted = "dataset.batch_accepted"
)

// Event is a notification passed from producers to interested handlers
// without direct dependencies between them.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ParseRequested is the payload of TypeParseRequested.
type ParseRequested struct {
	TeamID uuid.UUID `json:"team_id"`
	UnitID uuid.UUID `json:"unit_id"`
}

// BatchAccepted is the payload of TypeBatchAccepted.
type BatchAccepted struct {
	TeamID       uuid.UUID `json:"team_id"`
	CollectionID uuid.UUID `json:"collection_id"`
	Chunks       int       `json:"chunks"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *Event) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// New creates an Event with the specified type and payload.
func New(eventType string, payload any) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Payload:   payloadBytes,
		CreatedAt: time.Now(),
	}, nil
}

// Handler processes events.
type Handler interface {
	HandleEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Emitter publishes events to registered handlers.
type Emitter interface {
	Emit(ctx context.Context, event *Event) error
}
