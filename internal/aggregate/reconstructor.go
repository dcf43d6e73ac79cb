package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/pkg/logger"
)

// Aggregate is derived state; it is never stored directly.
type Aggregate[S any] struct {
	ID string
	// Version is the last applied sequence number.
	Version   int64
	State     S
	UpdatedAt time.Time
}

// Options tunes a Reconstructor.
type Options struct {
	// SnapshotEvery makes MaybeSnapshot persist a snapshot each time the
	// version crosses a multiple of this value. Zero disables it.
	SnapshotEvery int64
}

// Reconstructor replays one aggregate type from the event store.
type Reconstructor[S any] struct {
	store         eventstore.Store
	aggregateType string
	folds         *FoldRegistry[S]
	initial       func() S
	opts          Options
}

// NewReconstructor creates a Reconstructor. initial returns the zero state
// used when no snapshot applies.
func NewReconstructor[S any](store eventstore.Store, aggregateType string, folds *FoldRegistry[S], initial func() S, opts Options) *Reconstructor[S] {
	if initial == nil {
		initial = func() S { var zero S; return zero }
	}
	return &Reconstructor[S]{
		store:         store,
		aggregateType: aggregateType,
		folds:         folds,
		initial:       initial,
		opts:          opts,
	}
}

// AggregateType returns the type this reconstructor replays.
func (r *Reconstructor[S]) AggregateType() string { return r.aggregateType }

// Reconstruct returns the current state: latest snapshot plus later events.
func (r *Reconstructor[S]) Reconstruct(ctx context.Context, id string) (Aggregate[S], error) {
	return r.replay(ctx, id, 0)
}

// ReconstructAt returns the state as of version; snapshots newer than it are ignored.
func (r *Reconstructor[S]) ReconstructAt(ctx context.Context, id string, version int64) (Aggregate[S], error) {
	if version <= 0 {
		return Aggregate[S]{}, fmt.Errorf("version must be positive, got %d", version)
	}
	return r.replay(ctx, id, version)
}

// ReconstructAsOf returns the state including only events that occurred at or before t.
// Snapshots carry no event time, so this always replays from the start.
func (r *Reconstructor[S]) ReconstructAsOf(ctx context.Context, id string, t time.Time) (Aggregate[S], error) {
	events, err := r.store.Load(ctx, id)
	if err != nil {
		return Aggregate[S]{}, err
	}
	cut := len(events)
	for i, ev := range events {
		if ev.OccurredAt.After(t) {
			cut = i
			break
		}
	}
	if cut == 0 {
		return Aggregate[S]{}, fmt.Errorf("%w: %s before %s", ErrAggregateNotFound, id, t.Format(time.RFC3339))
	}
	return r.Fold(Aggregate[S]{ID: id, State: r.initial()}, events[:cut])
}

// Fold applies events to base, checking the sequence is contiguous. It is pure.
func (r *Reconstructor[S]) Fold(base Aggregate[S], events []eventstore.DomainEvent) (Aggregate[S], error) {
	agg := base
	for _, ev := range events {
		expected := agg.Version + 1
		if ev.SequenceNumber != expected {
			return agg, fmt.Errorf("%w: %s expected %d got %d", ErrSequenceGap, agg.ID, expected, ev.SequenceNumber)
		}
		next, err := r.folds.Apply(agg.State, ev)
		if err != nil {
			return agg, err
		}
		agg.State = next
		agg.Version = ev.SequenceNumber
		agg.UpdatedAt = ev.OccurredAt
	}
	return agg, nil
}

func (r *Reconstructor[S]) replay(ctx context.Context, id string, upTo int64) (Aggregate[S], error) {
	base := Aggregate[S]{ID: id, State: r.initial()}

	snap, err := r.store.LoadSnapshot(ctx, id, upTo)
	switch {
	case err == nil:
		var state S
		if decodeErr := json.Unmarshal(snap.State, &state); decodeErr != nil {
			// A snapshot is only a cache; fall back to full replay.
			logger.Named("aggregate").Warn("Ignoring undecodable snapshot",
				zap.String("aggregate_id", id),
				zap.Int64("version", snap.Version),
				zap.Error(decodeErr),
			)
		} else {
			base.State = state
			base.Version = snap.Version
			base.UpdatedAt = snap.CreatedAt
		}
	case !errors.Is(err, eventstore.ErrSnapshotNotFound):
		return Aggregate[S]{}, fmt.Errorf("load snapshot of %s: %w", id, err)
	}

	events, err := r.store.LoadRange(ctx, id, base.Version+1, upTo)
	if err != nil {
		return Aggregate[S]{}, err
	}
	if base.Version == 0 && len(events) == 0 {
		return Aggregate[S]{}, fmt.Errorf("%w: %s", ErrAggregateNotFound, id)
	}
	agg, err := r.Fold(base, events)
	if err != nil {
		return Aggregate[S]{}, err
	}
	if upTo > 0 && agg.Version < upTo {
		return Aggregate[S]{}, fmt.Errorf("%w: %s has version %d, requested %d", ErrAggregateNotFound, id, agg.Version, upTo)
	}
	return agg, nil
}

// TakeSnapshot reconstructs the aggregate and persists its state.
func (r *Reconstructor[S]) TakeSnapshot(ctx context.Context, id string) (eventstore.Snapshot, error) {
	agg, err := r.Reconstruct(ctx, id)
	if err != nil {
		return eventstore.Snapshot{}, err
	}
	state, err := json.Marshal(agg.State)
	if err != nil {
		return eventstore.Snapshot{}, fmt.Errorf("marshal %s state: %w", id, err)
	}
	snap := eventstore.Snapshot{
		AggregateID:   id,
		AggregateType: r.aggregateType,
		Version:       agg.Version,
		State:         state,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		return eventstore.Snapshot{}, err
	}
	return snap, nil
}

// MaybeSnapshot takes a snapshot when an append moved the version from
// before to after across a SnapshotEvery boundary. Failures are logged, not
// returned: the write that triggered it has already committed.
func (r *Reconstructor[S]) MaybeSnapshot(ctx context.Context, id string, before, after int64) bool {
	every := r.opts.SnapshotEvery
	if every <= 0 || after/every == before/every {
		return false
	}
	if _, err := r.TakeSnapshot(ctx, id); err != nil {
		logger.Named("aggregate").Warn("Snapshot failed",
			zap.String("aggregate_id", id),
			zap.Int64("version", after),
			zap.Error(err),
		)
		return false
	}
	return true
}
