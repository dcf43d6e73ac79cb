package modules

import (
	"context"

	"sagaflow.io/sagaflow/internal/api/handlers"
)

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(infra *Infrastructure, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		Events: infra.Events,
		Checks: readinessChecks(infra),
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}

func readinessChecks(infra *Infrastructure) []handlers.HealthCheck {
	checks := []handlers.HealthCheck{{
		Name: "event_store",
		Check: func(ctx context.Context) error {
			_, err := infra.Events.Head(ctx)
			return err
		},
	}}
	if infra.DB != nil {
		checks = append(checks, handlers.HealthCheck{
			Name:  "database",
			Check: func(ctx context.Context) error { return infra.DB.Pool.Ping(ctx) },
		})
	}
	if infra.Redis != nil {
		checks = append(checks, handlers.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return infra.Redis.Ping(ctx).Err() },
		})
	}
	return checks
}
