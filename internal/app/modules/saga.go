package modules

import (
	"context"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/aggregate"
	"sagaflow.io/sagaflow/internal/api/handlers"
	"sagaflow.io/sagaflow/internal/collaborator"
	"sagaflow.io/sagaflow/internal/config"
	"sagaflow.io/sagaflow/internal/domain"
	"sagaflow.io/sagaflow/internal/jobs"
	"sagaflow.io/sagaflow/internal/pkg/logger"
	"sagaflow.io/sagaflow/internal/saga"
	"sagaflow.io/sagaflow/internal/usecase"
)

// SagaModule wires the coordinator, the order saga, and its workers.
type SagaModule struct {
	infra       *Infrastructure
	coordinator *saga.Coordinator
	placeOrder  *usecase.PlaceOrderUseCase
	orders      *aggregate.Reconstructor[domain.Order]
	log         *zap.Logger
}

// NewSagaModule builds collaborator clients and the coordinator.
func NewSagaModule(infra *Infrastructure) (*SagaModule, error) {
	cfg := infra.Config
	snapshots := aggregate.Options{SnapshotEvery: cfg.Snapshot.Every}

	inventory, payments := newCollaborators(cfg.Collaborators)
	defs := saga.NewRegistry()
	if err := defs.Register(usecase.NewOrderSaga(usecase.OrderSagaDeps{
		Store:              infra.Events,
		Inventory:          inventory,
		Payments:           payments,
		Snapshot:           snapshots,
		MaxConflictRetries: cfg.Saga.MaxConflictRetries,
	})); err != nil {
		return nil, err
	}

	coordinator := saga.NewCoordinator(infra.Events, defs, infra.Gate, cfg.Saga.Config,
		saga.WithPools(infra.Pools),
		saga.WithMetrics(saga.NewMetrics(infra.Metrics)),
		saga.WithSnapshotEvery(cfg.Snapshot.Every),
	)

	return &SagaModule{
		infra:       infra,
		coordinator: coordinator,
		placeOrder:  usecase.NewPlaceOrderUseCase(coordinator).WithAsync(cfg.Saga.Mode == config.SagaModeAsync),
		orders:      domain.NewOrderReconstructor(infra.Events, snapshots),
		log:         logger.Named("saga-module"),
	}, nil
}

func newCollaborators(cfg config.CollaboratorsConfig) (collaborator.Inventory, collaborator.Payments) {
	var inventory collaborator.Inventory
	if cfg.Inventory.IsMock() {
		logger.Warn("Inventory collaborator is the in-process mock")
		inventory = collaborator.NewMock(collaborator.NameInventory)
	} else {
		inventory = collaborator.NewHTTPClient(collaborator.NameInventory, cfg.Inventory.URL, cfg.Inventory.Timeout)
	}

	var payments collaborator.Payments
	if cfg.Payment.IsMock() {
		logger.Warn("Payment collaborator is the in-process mock")
		payments = collaborator.NewMock(collaborator.NamePayment)
	} else {
		payments = collaborator.NewHTTPClient(collaborator.NamePayment, cfg.Payment.URL, cfg.Payment.Timeout)
	}
	return inventory, payments
}

func (m *SagaModule) Name() string { return "saga" }

// Coordinator exposes the coordinator for other modules and tests.
func (m *SagaModule) Coordinator() *saga.Coordinator { return m.coordinator }

// UseScheduler hands new sagas to the job queue.
func (m *SagaModule) UseScheduler(s usecase.Scheduler) {
	m.placeOrder.WithScheduler(s)
}

func (m *SagaModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.PlaceOrder = m.placeOrder
	deps.Sagas = m.coordinator
	deps.Breakers = m.infra.Breakers
}

func (m *SagaModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil || m.infra == nil {
		return
	}
	river.AddWorker(workers, jobs.NewSagaResumeWorker(m.coordinator))
	river.AddWorker(workers, jobs.NewSagaRecoveryWorker(m.coordinator))
	river.AddWorker(workers, m.snapshotWorker())
}

// PeriodicJobs returns the maintenance jobs River runs for this module.
func (m *SagaModule) PeriodicJobs() []*river.PeriodicJob {
	cfg := m.infra.Config
	return jobs.PeriodicJobs(cfg.Saga.RecoveryInterval, cfg.Snapshot.Interval)
}

func (m *SagaModule) snapshotWorker() *jobs.AggregateSnapshotWorker {
	return jobs.NewAggregateSnapshotWorker(m.infra.Events, m.infra.Config.Snapshot.MinEvents,
		jobs.SnapshotTarget{
			AggregateType: saga.AggregateSaga,
			Snapshot:      m.coordinator.TakeSnapshot,
		},
		jobs.SnapshotTarget{
			AggregateType: domain.AggregateOrder,
			Snapshot: func(ctx context.Context, id string) error {
				_, err := m.orders.TakeSnapshot(ctx, id)
				return err
			},
		},
	)
}

// Run stands in for the River periodic jobs when there is no database:
// recovery on start and every RecoveryInterval, snapshots every
// Snapshot.Interval. With River running it returns at once.
func (m *SagaModule) Run(ctx context.Context) error {
	if m.infra.RiverClient != nil {
		return nil
	}
	cfg := m.infra.Config
	recoverTicker := time.NewTicker(cfg.Saga.RecoveryInterval)
	defer recoverTicker.Stop()
	snapshotTicker := time.NewTicker(cfg.Snapshot.Interval)
	defer snapshotTicker.Stop()

	snapshots := m.snapshotWorker()
	m.recover(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-recoverTicker.C:
			m.recover(ctx)
		case <-snapshotTicker.C:
			if n, err := snapshots.Run(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("Aggregate snapshot pass failed", zap.Int("snapshotted", n), zap.Error(err))
			}
		}
	}
}

func (m *SagaModule) recover(ctx context.Context) {
	if _, err := m.coordinator.Recover(ctx); err != nil && ctx.Err() == nil {
		m.log.Warn("Saga recovery pass failed", zap.Error(err))
	}
}

func (m *SagaModule) Shutdown(context.Context) error { return nil }
