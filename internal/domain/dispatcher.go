package domain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/pkg/logger"
)

// EventHandler processes a committed event.
type EventHandler func(ctx context.Context, event eventstore.DomainEvent) error

// EventDispatcher routes committed events to the handlers registered for their type.
// The read model projector and the event relay both consume the log through one.
type EventDispatcher struct {
	handlers map[eventstore.EventType][]EventHandler
	mu       sync.RWMutex
}

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[eventstore.EventType][]EventHandler),
	}
}

// Register registers a handler for a specific event type.
func (d *EventDispatcher) Register(eventType eventstore.EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// Handles reports whether any handler is registered for the type.
func (d *EventDispatcher) Handles(eventType eventstore.EventType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[eventType]) > 0
}

// Dispatch calls every handler for the event's type, in registration order.
// All handlers run even if one fails; the first error is returned so the
// caller does not advance its checkpoint past the event.
func (d *EventDispatcher) Dispatch(ctx context.Context, event eventstore.DomainEvent) error {
	d.mu.RLock()
	handlers := d.handlers[event.EventType]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		logger.Debug("No handlers registered for event type",
			zap.String("event_type", string(event.EventType)),
			zap.String("event_id", event.EventID),
		)
		return nil
	}

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("Event handler failed",
				zap.String("event_type", string(event.EventType)),
				zap.String("event_id", event.EventID),
				zap.String("aggregate_id", event.AggregateID),
				zap.Int64("sequence_number", event.SequenceNumber),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("handler for %s failed: %w", event.EventType, err)
			}
		}
	}

	return firstErr
}
