package modules

import (
	"context"

	"github.com/riverqueue/river"

	"sagaflow.io/sagaflow/internal/api/handlers"
	"sagaflow.io/sagaflow/internal/projection"
)

// ReadModelModule runs the projector and serves read model queries.
type ReadModelModule struct {
	projector *projection.Projector
	reader    *projection.Reader
}

func NewReadModelModule(infra *Infrastructure) *ReadModelModule {
	return &ReadModelModule{
		projector: projection.NewProjector(infra.Events, infra.ReadStore, infra.Config.Projector,
			projection.NewMetrics(infra.Metrics), projection.DefaultProjections()...),
		reader: projection.NewReader(infra.ReadStore),
	}
}

func (m *ReadModelModule) Name() string { return "read_model" }

func (m *ReadModelModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.ReadModels = m.reader
}

func (m *ReadModelModule) RegisterWorkers(*river.Workers) {}

func (m *ReadModelModule) Run(ctx context.Context) error { return m.projector.Run(ctx) }

func (m *ReadModelModule) Shutdown(context.Context) error { return nil }
