package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sagaflow.io/sagaflow/internal/app/modules"
	"sagaflow.io/sagaflow/internal/pkg/logger"
)

// Start starts River and every module background loop. The loops stop when
// ctx is cancelled or Shutdown runs.
func (a *Application) Start(ctx context.Context) error {
	if a.Infra != nil && a.Infra.RiverClient != nil {
		if err := a.Infra.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for _, mod := range a.Modules {
		runner, ok := mod.(modules.Runner)
		if !ok {
			continue
		}
		g.Go(func() error {
			logger.Info("Module runner started", zap.String("module", runner.Name()))
			if err := runner.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", runner.Name(), err)
			}
			return nil
		})
	}
	a.stopRunners = cancel
	a.runners = g
	return nil
}

// Wait blocks until every module runner has returned and reports the first
// failure. A failed runner cancels the others.
func (a *Application) Wait() error {
	if a.runners == nil {
		return nil
	}
	return a.runners.Wait()
}

// Shutdown gracefully shuts down all application components.
func (a *Application) Shutdown() {
	shutdownCtx := context.Background()

	if a.stopRunners != nil {
		a.stopRunners()
		if err := a.Wait(); err != nil {
			logger.Error("module runner failed", zap.Error(err))
		}
	}

	if a.Infra != nil && a.Infra.RiverClient != nil {
		if err := a.Infra.RiverClient.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("River client stopped")
	}

	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(shutdownCtx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	a.Infra.Close()
}
