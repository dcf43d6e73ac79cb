package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/pkg/logger"
)

// SagaRecoveryArgs is a periodic job that resumes every non-terminal saga.
type SagaRecoveryArgs struct{}

// Kind returns the job kind identifier for saga recovery.
func (SagaRecoveryArgs) Kind() string { return "saga_recovery" }

// InsertOpts keeps at most one recovery pass per minute.
func (SagaRecoveryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueSagas,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// SagaRecoveryWorker runs one recovery pass of the coordinator.
type SagaRecoveryWorker struct {
	river.WorkerDefaults[SagaRecoveryArgs]
	driver SagaDriver
}

// NewSagaRecoveryWorker creates a SagaRecoveryWorker.
func NewSagaRecoveryWorker(driver SagaDriver) *SagaRecoveryWorker {
	return &SagaRecoveryWorker{driver: driver}
}

// Work recovers sagas. Individual saga failures are counted, not returned.
func (w *SagaRecoveryWorker) Work(ctx context.Context, _ *river.Job[SagaRecoveryArgs]) error {
	if w == nil || w.driver == nil {
		return fmt.Errorf("saga recovery worker is not initialized")
	}
	report, err := w.driver.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sagas: %w", err)
	}
	logger.Info("saga recovery completed",
		zap.Int("scanned", report.Scanned),
		zap.Int("resumed", report.Resumed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return nil
}
