// Package worker provides goroutine pool management.
//
// Naked goroutines are forbidden outside documented loops.
// Saga runs and collaborator calls go through a bounded pool with context propagation.
//
// Import Path: sagaflow.io/sagaflow/internal/pkg/worker
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/pkg/logger"
)

var (
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolOverloaded is returned by a nonblocking pool with no idle worker.
	ErrPoolOverloaded = errors.New("worker pool is overloaded")
)

// Pool names accepted by SubmitDetached.
const (
	PoolSaga   = "saga"
	PoolRemote = "remote"
)

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the worker pool collection.
type Pools struct {
	// Saga runs whole saga instances (start, resume, recovery).
	Saga *Pool
	// Remote runs individual collaborator call attempts. It never queues:
	// an attempt that finds every worker busy fails with ErrPoolOverloaded so
	// the wait cannot outlive the attempt timeout.
	Remote *Pool

	// serviceCtx is the service lifecycle context for detached tasks
	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	SagaPoolSize   int
	RemotePoolSize int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		SagaPoolSize:   64,
		RemotePoolSize: 128,
	}
}

// NewPools creates the worker pool collection.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	panicHandler := func(p interface{}) {
		logger.Error("Worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	sagaAnts, err := ants.NewPool(cfg.SagaPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second), // saga runs span several remote calls
	)
	if err != nil {
		serviceCancel()
		return nil, err
	}

	remoteAnts, err := ants.NewPool(cfg.RemotePoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(true),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		sagaAnts.Release()
		serviceCancel()
		return nil, err
	}

	return &Pools{
		Saga:          &Pool{pool: sagaAnts, name: PoolSaga},
		Remote:        &Pool{pool: remoteAnts, name: PoolRemote},
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Name returns the pool name used in logs and metrics.
func (p *Pool) Name() string { return p.name }

// Submit submits a context-aware task.
// The task receives the caller's context and SHOULD check ctx.Done() at blocking points.
// If context is already cancelled, returns ctx.Err() immediately without submitting.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := p.pool.Submit(func() {
		// May have been cancelled while queued.
		select {
		case <-ctx.Done():
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
	return mapSubmitErr(err)
}

// submitAlways queues fn without the in-worker cancellation check so the
// caller can observe cancellation itself.
func (p *Pool) submitAlways(fn func()) error {
	return mapSubmitErr(p.pool.Submit(fn))
}

func mapSubmitErr(err error) error {
	switch {
	case errors.Is(err, ants.ErrPoolClosed):
		return ErrPoolClosed
	case errors.Is(err, ants.ErrPoolOverload):
		return ErrPoolOverloaded
	}
	return err
}

// SubmitDetached submits a detached background task.
// Detached tasks use the service lifecycle context instead of a request context,
// so a saga started by an HTTP request survives the request but still stops on shutdown.
func (p *Pools) SubmitDetached(poolName string, task Task) error {
	pool := p.Saga
	if poolName == PoolRemote {
		pool = p.Remote
	}

	return pool.submitAlways(func() {
		select {
		case <-p.serviceCtx.Done():
			logger.Debug("Detached task skipped: service shutting down",
				zap.String("pool", pool.name),
			)
			return
		default:
		}
		task(p.serviceCtx)
	})
}

// ServiceContext returns the lifecycle context used for detached tasks.
func (p *Pools) ServiceContext() context.Context {
	return p.serviceCtx
}

// Shutdown cancels the service context, then waits for running tasks (max 30s).
func (p *Pools) Shutdown() {
	p.serviceCancel()

	const shutdownTimeout = 30 * time.Second
	if err := p.Saga.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Saga pool shutdown timeout", zap.Error(err))
	}
	if err := p.Remote.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Remote pool shutdown timeout", zap.Error(err))
	}
}

// Metrics returns pool metrics for observability.
func (p *Pools) Metrics() map[string]interface{} {
	return map[string]interface{}{
		PoolSaga: map[string]int{
			"running": p.Saga.pool.Running(),
			"free":    p.Saga.pool.Free(),
			"cap":     p.Saga.pool.Cap(),
		},
		PoolRemote: map[string]int{
			"running": p.Remote.pool.Running(),
			"free":    p.Remote.pool.Free(),
			"cap":     p.Remote.pool.Cap(),
		},
	}
}
