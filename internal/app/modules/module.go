// Package modules contains domain-oriented dependency modules for the
// composition root.
//
// Import Path: sagaflow.io/sagaflow/internal/app/modules
package modules

import (
	"context"

	"github.com/riverqueue/river"

	"sagaflow.io/sagaflow/internal/api/handlers"
)

// Module represents a domain-specific dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging/debugging.
	Name() string

	// ContributeServerDeps injects module-owned dependencies into the HTTP server deps.
	ContributeServerDeps(*handlers.ServerDeps)

	// RegisterWorkers registers module workers into a shared River worker registry.
	RegisterWorkers(*river.Workers)

	// Shutdown performs module-local graceful cleanup.
	Shutdown(context.Context) error
}

// Runner is a module with a background loop. Run blocks until ctx is
// cancelled and returns nil on a clean stop.
type Runner interface {
	Module
	Run(ctx context.Context) error
}
