package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/config"
	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/gate"
	"sagaflow.io/sagaflow/internal/infrastructure"
	"sagaflow.io/sagaflow/internal/pkg/logger"
	"sagaflow.io/sagaflow/internal/pkg/worker"
	"sagaflow.io/sagaflow/internal/projection"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config *config.Config

	// DB is nil when the database is disabled.
	DB          *infrastructure.DatabaseClients
	RiverClient *river.Client[pgx.Tx]
	// Redis is nil when Redis is disabled.
	Redis *redis.Client

	Events    eventstore.Store
	ReadStore projection.Store
	Pools     *worker.Pools
	Metrics   *prometheus.Registry
	Breakers  *gate.Registry
	Gate      *gate.Gate
}

// NewInfrastructure opens storage, pools, and the remote call gate.
// Postgres and Redis are optional; without them the service keeps events and
// read models in memory.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	infra := &Infrastructure{
		Config:  cfg,
		Metrics: prometheus.NewRegistry(),
	}
	infra.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := infra.openStores(ctx); err != nil {
		infra.Close()
		return nil, err
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		SagaPoolSize:   cfg.Worker.SagaPoolSize,
		RemotePoolSize: cfg.Worker.RemotePoolSize,
	})
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	infra.Pools = pools
	registerPoolMetrics(infra.Metrics, pools)

	gateMetrics := gate.NewMetrics(infra.Metrics)
	infra.Breakers = gate.NewRegistry(cfg.Gate.Breaker,
		gate.WithTransitionHook(gateMetrics.TransitionHook()),
		gate.WithTransitionHook(logTransition),
	)
	infra.Gate = gate.New(infra.Breakers, cfg.Gate.Config,
		gate.WithPool(pools.Remote),
		gate.WithMetrics(gateMetrics),
	)
	return infra, nil
}

func (i *Infrastructure) openStores(ctx context.Context) error {
	cfg := i.Config
	if cfg.Database.Enabled {
		db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		i.DB = db
		// Dev-mode: auto-create event store + River queue tables.
		if cfg.Database.AutoMigrate {
			if err := db.AutoMigrate(ctx); err != nil {
				return fmt.Errorf("auto-migrate: %w", err)
			}
		}
		i.Events = db.Events
	} else {
		logger.Warn("Database disabled: events are kept in memory and lost on restart")
		i.Events = eventstore.NewMemoryStore()
	}

	if cfg.Redis.Enabled {
		client, err := infrastructure.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		i.Redis = client
		i.ReadStore = projection.NewRedisStore(client, cfg.Redis.Prefix)
	} else {
		i.ReadStore = projection.NewMemoryStore()
	}
	return nil
}

func logTransition(t gate.Transition) {
	logger.Warn("Circuit breaker state changed",
		zap.String("collaborator", t.Collaborator),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
	)
}

func registerPoolMetrics(reg prometheus.Registerer, pools *worker.Pools) {
	for _, name := range []string{worker.PoolSaga, worker.PoolRemote} {
		for _, field := range []string{"running", "free"} {
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name:        "worker_pool_" + field,
				Help:        "Worker pool goroutines by state.",
				ConstLabels: prometheus.Labels{"pool": name},
			}, func() float64 {
				stats, _ := pools.Metrics()[name].(map[string]int)
				return float64(stats[field])
			}))
		}
	}
}

// InitRiver initializes the River client on top of a prepared worker registry.
// Without a database there is no queue and InitRiver is a no-op.
func (i *Infrastructure) InitRiver(workers *river.Workers, periodic []*river.PeriodicJob) error {
	if i == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if i.DB == nil {
		return nil
	}
	if err := i.DB.InitRiverClient(workers, periodic, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			logger.Warn("Redis close failed", zap.Error(err))
		}
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
