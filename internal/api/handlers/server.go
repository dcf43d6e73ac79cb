// Package handlers implements the sagaflow HTTP API.
//
// Handlers translate requests into use case and coordinator calls and report
// failures through c.Error; middleware.ErrorHandler renders them.
//
// Import Path: sagaflow.io/sagaflow/internal/api/handlers
package handlers

import (
	"context"

	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/gate"
	"sagaflow.io/sagaflow/internal/projection"
	"sagaflow.io/sagaflow/internal/saga"
	"sagaflow.io/sagaflow/internal/usecase"
)

// HealthCheck probes one dependency for readiness.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server holds the handler dependencies.
type Server struct {
	placeOrder *usecase.PlaceOrderUseCase
	sagas      *saga.Coordinator
	breakers   *gate.Registry
	events     eventstore.Store
	readModels *projection.Reader
	checks     []HealthCheck
}

// ServerDeps holds all dependencies for creating a Server.
// Manual DI: modules contribute their part in the composition root.
type ServerDeps struct {
	PlaceOrder *usecase.PlaceOrderUseCase
	Sagas      *saga.Coordinator
	Breakers   *gate.Registry
	Events     eventstore.Store
	ReadModels *projection.Reader
	Checks     []HealthCheck
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		placeOrder: deps.PlaceOrder,
		sagas:      deps.Sagas,
		breakers:   deps.Breakers,
		events:     deps.Events,
		readModels: deps.ReadModels,
		checks:     deps.Checks,
	}
}
