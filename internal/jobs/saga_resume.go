// Package jobs defines River Queue job types for durable saga execution.
//
// Jobs carry only identifiers (claim-check): the saga log in the event store
// is the single source of truth, and a worker reconstructs what it needs.
//
// Import Path: sagaflow.io/sagaflow/internal/jobs
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/pkg/logger"
	"sagaflow.io/sagaflow/internal/saga"
)

// QueueSagas is the River queue saga drives run on.
const QueueSagas = "sagas"

// SagaDriver is the part of the coordinator the saga workers use.
type SagaDriver interface {
	Resume(ctx context.Context, sagaID string) error
	Recover(ctx context.Context) (saga.RecoveryReport, error)
}

// SagaResumeArgs carries only the saga ID.
type SagaResumeArgs struct {
	SagaID string `json:"saga_id"`
}

// Kind returns the job kind identifier for saga resumption.
func (SagaResumeArgs) Kind() string { return "saga_resume" }

// InsertOpts dedupes pending resumes of the same saga.
func (SagaResumeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueSagas,
		MaxAttempts: 5,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByQueue: true,
		},
	}
}

// SagaResumeWorker drives one saga until it is terminal or blocked.
//
// Outcomes:
//   - saga completed or failed: job completes
//   - saga busy in this process: job completes, the other drive owns it
//   - saga unknown: job cancelled, retrying cannot help
//   - compensation failed or storage error: job errors and River retries,
//     which continues compensation with the same idempotency keys
type SagaResumeWorker struct {
	river.WorkerDefaults[SagaResumeArgs]
	driver SagaDriver
}

// NewSagaResumeWorker creates a SagaResumeWorker.
func NewSagaResumeWorker(driver SagaDriver) *SagaResumeWorker {
	return &SagaResumeWorker{driver: driver}
}

// Work resumes the saga named by the job.
func (w *SagaResumeWorker) Work(ctx context.Context, job *river.Job[SagaResumeArgs]) error {
	if w == nil || w.driver == nil {
		return fmt.Errorf("saga resume worker is not initialized")
	}
	sagaID := job.Args.SagaID
	if sagaID == "" {
		return river.JobCancel(errors.New("saga resume job without saga_id"))
	}

	logger.Info("Processing saga resume job",
		zap.String("saga_id", sagaID),
		zap.Int64("attempt", int64(job.Attempt)),
	)

	err := w.driver.Resume(ctx, sagaID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, saga.ErrSagaBusy):
		logger.Info("Saga already being driven, skipping", zap.String("saga_id", sagaID))
		return nil
	case errors.Is(err, saga.ErrSagaNotFound):
		return river.JobCancel(err)
	default:
		return fmt.Errorf("resume saga %s: %w", sagaID, err)
	}
}
