package eventstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned when expectedVersion does not match the log.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrSnapshotNotFound is returned when no snapshot exists within the requested bound.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrSnapshotAhead rejects a snapshot whose version exceeds the log.
	ErrSnapshotAhead = errors.New("snapshot version exceeds event log")
	// ErrEmptyAppend rejects an append with no events.
	ErrEmptyAppend = errors.New("append requires at least one event")
	// ErrAggregateTypeMismatch rejects events whose type differs from the stream's.
	ErrAggregateTypeMismatch = errors.New("aggregate type mismatch")
)

// ConflictError carries the versions involved in a failed append.
type ConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s: expected version %d, actual %d", e.AggregateID, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrConcurrencyConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// Store is the event log contract shared by the memory and PostgreSQL backends.
type Store interface {
	// Append commits events after expectedVersion, all or nothing.
	Append(ctx context.Context, aggregateID string, expectedVersion int64, events []PendingEvent) ([]DomainEvent, error)
	// Load returns the full ordered history. Unknown aggregates yield an empty slice.
	Load(ctx context.Context, aggregateID string) ([]DomainEvent, error)
	// LoadRange returns events with fromSeq <= seq <= toSeq; zero bounds are open.
	LoadRange(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]DomainEvent, error)
	// Version returns the last sequence number, zero for unknown aggregates.
	Version(ctx context.Context, aggregateID string) (int64, error)
	// ReadAll returns up to limit committed events with GlobalPosition > afterPosition.
	ReadAll(ctx context.Context, afterPosition int64, limit int) ([]DomainEvent, error)
	// Head returns the GlobalPosition of the newest committed event, zero when empty.
	Head(ctx context.Context) (int64, error)
	// ListAggregateIDs returns every aggregate of the given type.
	ListAggregateIDs(ctx context.Context, aggregateType string) ([]string, error)
	// SaveSnapshot stores a snapshot; its version must not exceed the log.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LoadSnapshot returns the latest snapshot with Version <= maxVersion
	// (maxVersion <= 0 means the latest overall).
	LoadSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (Snapshot, error)
	// Subscribe returns a channel signalled after every commit, and a cancel func.
	Subscribe() (<-chan struct{}, func())
}

func validateAppend(aggregateID string, expectedVersion int64, events []PendingEvent) error {
	if aggregateID == "" {
		return errors.New("aggregate id is required")
	}
	if expectedVersion < 0 {
		return fmt.Errorf("expected version must be >= 0, got %d", expectedVersion)
	}
	if len(events) == 0 {
		return ErrEmptyAppend
	}
	typ := events[0].AggregateType
	for _, ev := range events {
		if ev.EventType == "" {
			return errors.New("event type is required")
		}
		if ev.AggregateType == "" || ev.AggregateType != typ {
			return fmt.Errorf("%w: %q in batch of %q", ErrAggregateTypeMismatch, ev.AggregateType, typ)
		}
	}
	return nil
}
