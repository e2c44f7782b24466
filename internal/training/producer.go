package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/phrazzld/scry-ingest/internal/events"
)

// ErrInvalidRequest is returned for parse requests missing a required id.
var ErrInvalidRequest = errors.New("invalid parse request")

// UnitCreator persists new work units.
type UnitCreator interface {
	Create(ctx context.Context, unit *WorkUnit) error
}

// ParseRequest asks for a collection to be parsed into training data.
type ParseRequest struct {
	TeamID       uuid.UUID `json:"team_id" validate:"required"`
	TmbID        uuid.UUID `json:"tmb_id" validate:"required"`
	DatasetID    uuid.UUID `json:"dataset_id" validate:"required"`
	CollectionID uuid.UUID `json:"collection_id" validate:"required"`
	// BillingID defaults to a fresh id.
	BillingID uuid.UUID `json:"billing_id"`
}

// Producer creates parse units and announces them.
type Producer struct {
	units   UnitCreator
	emitter events.Emitter
	budget  int
	logger  *slog.Logger
}

// NewProducer creates a producer. A budget below one uses
// DefaultRetryBudget. emitter may be nil, in which case workers only find
// new units by polling.
func NewProducer(units UnitCreator, emitter events.Emitter, budget int, logger *slog.Logger) *Producer {
	if budget < 1 {
		budget = DefaultRetryBudget
	}
	return &Producer{
		units:   units,
		emitter: emitter,
		budget:  budget,
		logger:  logger.With("component", "training_producer"),
	}
}

func (p *Producer) newUnit(req ParseRequest) (*WorkUnit, error) {
	if req.TeamID == uuid.Nil || req.DatasetID == uuid.Nil || req.CollectionID == uuid.Nil {
		return nil, fmt.Errorf("%w: team, dataset and collection ids are required", ErrInvalidRequest)
	}
	if req.BillingID == uuid.Nil {
		req.BillingID = uuid.New()
	}
	return &WorkUnit{
		ID:           uuid.New(),
		TeamID:       req.TeamID,
		TmbID:        req.TmbID,
		DatasetID:    req.DatasetID,
		CollectionID: req.CollectionID,
		BillingID:    req.BillingID,
		Mode:         ModeParse,
		RetryCount:   p.budget,
	}, nil
}

// CreateParseTask stores a new parse unit for req and emits a
// TypeParseRequested event. The unit is durable once stored, so a failed
// emit is only logged.
func (p *Producer) CreateParseTask(ctx context.Context, req ParseRequest) (*WorkUnit, error) {
	unit, err := p.newUnit(req)
	if err != nil {
		return nil, err
	}
	if err := p.units.Create(ctx, unit); err != nil {
		return nil, fmt.Errorf("failed to create parse unit: %w", err)
	}

	p.logger.InfoContext(ctx, "parse unit created",
		"unit_id", unit.ID,
		"team_id", unit.TeamID,
		"collection_id", unit.CollectionID)

	if p.emitter != nil {
		event, err := events.New(events.TypeParseRequested, events.ParseRequested{
			TeamID: unit.TeamID,
			UnitID: unit.ID,
		})
		if err == nil {
			err = p.emitter.Emit(ctx, event)
		}
		if err != nil {
			p.logger.WarnContext(ctx, "failed to announce parse unit",
				"unit_id", unit.ID,
				"error", err)
		}
	}
	return unit, nil
}

// CreateParseTasks stores one parse unit per request, in order. Every
// request is validated before anything is stored. No events are emitted:
// the caller schedules the kicks for the whole batch. On a store error the
// units created so far are returned with the error.
func (p *Producer) CreateParseTasks(ctx context.Context, reqs []ParseRequest) ([]*WorkUnit, error) {
	units := make([]*WorkUnit, 0, len(reqs))
	for i, req := range reqs {
		unit, err := p.newUnit(req)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		units = append(units, unit)
	}
	for i, unit := range units {
		if err := p.units.Create(ctx, unit); err != nil {
			return units[:i], fmt.Errorf("failed to create parse unit %d of %d: %w", i+1, len(units), err)
		}
	}
	p.logger.InfoContext(ctx, "parse units created", "count", len(units))
	return units, nil
}
