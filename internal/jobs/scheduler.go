package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// JobInserter is the subset of river.Client used to enqueue jobs.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverScheduler enqueues saga drives as saga_resume jobs.
type RiverScheduler struct {
	inserter JobInserter
}

// NewRiverScheduler creates a RiverScheduler.
func NewRiverScheduler(inserter JobInserter) *RiverScheduler {
	return &RiverScheduler{inserter: inserter}
}

// ScheduleResume enqueues a resume of sagaID. A duplicate of a pending job is
// skipped by River's uniqueness.
func (s *RiverScheduler) ScheduleResume(ctx context.Context, sagaID string) error {
	if _, err := s.inserter.Insert(ctx, SagaResumeArgs{SagaID: sagaID}, nil); err != nil {
		return fmt.Errorf("enqueue saga %s: %w", sagaID, err)
	}
	return nil
}

// PeriodicJobs returns the periodic saga maintenance jobs. Recovery also
// runs on start so sagas interrupted by the previous process resume promptly.
func PeriodicJobs(recoveryInterval, snapshotInterval time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(recoveryInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return SagaRecoveryArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(snapshotInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return AggregateSnapshotArgs{}, nil
			},
			nil,
		),
	}
}
