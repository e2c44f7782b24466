package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// InMemoryEmitter delivers events synchronously to handlers registered for
// their type. Handlers registered with an empty type receive every event.
type InMemoryEmitter struct {
	handlers map[string][]Handler
	mu       sync.RWMutex
	logger   *slog.Logger
}

var _ Emitter = (*InMemoryEmitter)(nil)

// NewInMemoryEmitter creates an emitter with no handlers.
func NewInMemoryEmitter(logger *slog.Logger) *InMemoryEmitter {
	return &InMemoryEmitter{
		handlers: make(map[string][]Handler),
		logger:   logger.With("component", "in_memory_event_emitter"),
	}
}

// Subscribe registers handler for events of eventType.
func (e *InMemoryEmitter) Subscribe(eventType string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], handler)
	e.logger.Debug("registered event handler",
		"event_type", eventType,
		"handler_count", len(e.handlers[eventType]))
}

// Emit calls every matching handler, even when an earlier one fails. The
// returned error aggregates all handler failures.
func (e *InMemoryEmitter) Emit(ctx context.Context, event *Event) error {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.handlers[event.Type])+len(e.handlers[""]))
	handlers = append(handlers, e.handlers[event.Type]...)
	handlers = append(handlers, e.handlers[""]...)
	e.mu.RUnlock()

	if len(handlers) == 0 {
		e.logger.DebugContext(ctx, "no handlers registered for event",
			"event_id", event.ID,
			"event_type", event.Type)
		return nil
	}

	var errs *multierror.Error
	for i, handler := range handlers {
		if err := handler.HandleEvent(ctx, event); err != nil {
			e.logger.ErrorContext(ctx, "handler failed to process event",
				"error", err,
				"handler_index", i,
				"event_id", event.ID,
				"event_type", event.Type)
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
