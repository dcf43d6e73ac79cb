package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/pkg/logger"
)

// DefaultSnapshotMinEvents is how many events past the latest snapshot make an
// aggregate eligible for a new one.
const DefaultSnapshotMinEvents = 50

// SnapshotTarget snapshots one aggregate type.
type SnapshotTarget struct {
	AggregateType string
	Snapshot      func(ctx context.Context, aggregateID string) error
}

// AggregateSnapshotArgs is a periodic maintenance job that snapshots long
// aggregates so reconstruction stays short.
type AggregateSnapshotArgs struct{}

// Kind returns the job kind identifier for aggregate snapshots.
func (AggregateSnapshotArgs) Kind() string { return "aggregate_snapshot" }

// InsertOpts ensures at most one snapshot pass per hour.
func (AggregateSnapshotArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// AggregateSnapshotWorker snapshots every aggregate of each target type that
// has at least minEvents events after its latest snapshot.
type AggregateSnapshotWorker struct {
	river.WorkerDefaults[AggregateSnapshotArgs]
	store     eventstore.Store
	targets   []SnapshotTarget
	minEvents int64
}

// NewAggregateSnapshotWorker creates a snapshot worker. Non-positive minEvents
// falls back to DefaultSnapshotMinEvents.
func NewAggregateSnapshotWorker(store eventstore.Store, minEvents int64, targets ...SnapshotTarget) *AggregateSnapshotWorker {
	if minEvents <= 0 {
		minEvents = DefaultSnapshotMinEvents
	}
	return &AggregateSnapshotWorker{store: store, targets: targets, minEvents: minEvents}
}

// Work runs one snapshot pass.
func (w *AggregateSnapshotWorker) Work(ctx context.Context, _ *river.Job[AggregateSnapshotArgs]) error {
	if w == nil || w.store == nil {
		return fmt.Errorf("aggregate snapshot worker is not initialized")
	}
	taken, err := w.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("aggregate snapshot pass completed",
		zap.Int("snapshots", taken),
		zap.Int64("min_events", w.minEvents),
	)
	return nil
}

// Run snapshots eligible aggregates and returns how many it took. One
// aggregate failing does not stop the pass; all failures are joined.
func (w *AggregateSnapshotWorker) Run(ctx context.Context) (int, error) {
	var (
		taken int
		errs  []error
	)
	for _, target := range w.targets {
		ids, err := w.store.ListAggregateIDs(ctx, target.AggregateType)
		if err != nil {
			return taken, fmt.Errorf("list %s aggregates: %w", target.AggregateType, err)
		}
		for _, id := range ids {
			due, err := w.due(ctx, id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !due {
				continue
			}
			if err := target.Snapshot(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("snapshot %s %s: %w", target.AggregateType, id, err))
				continue
			}
			taken++
		}
	}
	return taken, errors.Join(errs...)
}

func (w *AggregateSnapshotWorker) due(ctx context.Context, id string) (bool, error) {
	version, err := w.store.Version(ctx, id)
	if err != nil {
		return false, fmt.Errorf("version of %s: %w", id, err)
	}
	var covered int64
	snap, err := w.store.LoadSnapshot(ctx, id, 0)
	switch {
	case err == nil:
		covered = snap.Version
	case !errors.Is(err, eventstore.ErrSnapshotNotFound):
		return false, fmt.Errorf("load snapshot of %s: %w", id, err)
	}
	return version-covered >= w.minEvents, nil
}
