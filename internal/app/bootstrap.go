// Package app is the composition root: bootstrap wires modules, lifecycle
// starts and stops them.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"
	"golang.org/x/sync/errgroup"

	"sagaflow.io/sagaflow/internal/api/handlers"
	"sagaflow.io/sagaflow/internal/app/modules"
	"sagaflow.io/sagaflow/internal/config"
	"sagaflow.io/sagaflow/internal/jobs"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	Infra   *modules.Infrastructure
	Modules []modules.Module

	stopRunners context.CancelFunc
	runners     *errgroup.Group
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	sagaModule, err := modules.NewSagaModule(infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init saga module: %w", err)
	}
	allModules := []modules.Module{
		sagaModule,
		modules.NewReadModelModule(infra),
	}
	if relayModule := modules.NewRelayModule(infra); relayModule != nil {
		allModules = append(allModules, relayModule)
	}

	workers := river.NewWorkers()
	for _, mod := range allModules {
		mod.RegisterWorkers(workers)
	}
	if err := infra.InitRiver(workers, sagaModule.PeriodicJobs()); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}
	if cfg.Saga.Mode == config.SagaModeScheduled && infra.RiverClient != nil {
		sagaModule.UseScheduler(jobs.NewRiverScheduler(infra.RiverClient))
	}

	server := handlers.NewServer(modules.NewServerDeps(infra, allModules))

	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg, server, infra.Metrics),
		Infra:   infra,
		Modules: allModules,
	}, nil
}
