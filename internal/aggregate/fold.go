// Package aggregate rebuilds aggregate state by deterministic replay of
// events through a static, per-event-type fold table.
//
// Import Path: sagaflow.io/sagaflow/internal/aggregate
package aggregate

import (
	"errors"
	"fmt"
	"sort"

	"sagaflow.io/sagaflow/internal/eventstore"
)

var (
	// ErrUnknownEventType is returned when no fold is registered for an event type.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrSequenceGap is returned when replay finds a missing sequence number.
	ErrSequenceGap = errors.New("event sequence gap")
	// ErrAggregateNotFound is returned when an aggregate has neither events nor a snapshot.
	ErrAggregateNotFound = errors.New("aggregate not found")
)

// FoldFunc is a pure state transition for one event type.
// Implementations must not mutate maps or slices reachable from the input state.
type FoldFunc[S any] func(state S, ev eventstore.DomainEvent) (S, error)

// FoldRegistry maps event types to fold functions. It is built once at
// startup and read-only afterwards.
type FoldRegistry[S any] struct {
	folds map[eventstore.EventType]FoldFunc[S]
}

// NewFoldRegistry returns an empty registry.
func NewFoldRegistry[S any]() *FoldRegistry[S] {
	return &FoldRegistry[S]{folds: make(map[eventstore.EventType]FoldFunc[S])}
}

// Register adds a fold. Registering the same type twice panics: it is a wiring bug.
func (r *FoldRegistry[S]) Register(t eventstore.EventType, fn FoldFunc[S]) *FoldRegistry[S] {
	if _, dup := r.folds[t]; dup {
		panic(fmt.Sprintf("aggregate: fold for %s registered twice", t))
	}
	r.folds[t] = fn
	return r
}

// Apply folds a single event.
func (r *FoldRegistry[S]) Apply(state S, ev eventstore.DomainEvent) (S, error) {
	fn, ok := r.folds[ev.EventType]
	if !ok {
		return state, fmt.Errorf("%w: %s on %s@%d", ErrUnknownEventType, ev.EventType, ev.AggregateID, ev.SequenceNumber)
	}
	next, err := fn(state, ev)
	if err != nil {
		return state, fmt.Errorf("fold %s on %s@%d: %w", ev.EventType, ev.AggregateID, ev.SequenceNumber, err)
	}
	return next, nil
}

// HandledTypes returns the registered event types, sorted.
func (r *FoldRegistry[S]) HandledTypes() []eventstore.EventType {
	out := make([]eventstore.EventType, 0, len(r.folds))
	for t := range r.folds {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate reports every declared type that has no fold, so a domain package
// can assert its fold table is exhaustive at startup or in a test.
func (r *FoldRegistry[S]) Validate(declared []eventstore.EventType) error {
	var missing []error
	for _, t := range declared {
		if _, ok := r.folds[t]; !ok {
			missing = append(missing, fmt.Errorf("%w: %s", ErrUnknownEventType, t))
		}
	}
	return errors.Join(missing...)
}
