package modules

import (
	"context"

	"github.com/riverqueue/river"

	"sagaflow.io/sagaflow/internal/api/handlers"
	"sagaflow.io/sagaflow/internal/relay"
)

// RelayModule forwards committed events to Kafka. Its checkpoint lives in the
// read model store.
type RelayModule struct {
	publisher relay.Publisher
	relay     *relay.Relay
}

// NewRelayModule returns nil when Kafka is disabled.
func NewRelayModule(infra *Infrastructure) *RelayModule {
	cfg := infra.Config.Kafka
	if !cfg.Enabled {
		return nil
	}
	pub := relay.NewKafkaPublisher(cfg.KafkaConfig)
	return &RelayModule{
		publisher: pub,
		relay:     relay.New(infra.Events, infra.ReadStore, pub, cfg.Relay, relay.NewMetrics(infra.Metrics)),
	}
}

func (m *RelayModule) Name() string { return "relay" }

func (m *RelayModule) ContributeServerDeps(*handlers.ServerDeps) {}

func (m *RelayModule) RegisterWorkers(*river.Workers) {}

func (m *RelayModule) Run(ctx context.Context) error { return m.relay.Run(ctx) }

func (m *RelayModule) Shutdown(context.Context) error { return m.publisher.Close() }
