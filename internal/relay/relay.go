package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/pkg/logger"
)

// CheckpointRelay is the checkpoint name of the event relay.
const CheckpointRelay = "kafka_relay"

// Checkpoints persists relay progress. projection.Store satisfies it.
type Checkpoints interface {
	Checkpoint(ctx context.Context, name string) (int64, error)
	SaveCheckpoint(ctx context.Context, name string, position int64) error
}

// Config tunes the relay loop.
type Config struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

func DefaultConfig() Config {
	return Config{PollInterval: time.Second, BatchSize: 100}
}

// Relay publishes the event log after its checkpoint. The checkpoint moves
// only after a batch is published, so a crash republishes at most one batch.
type Relay struct {
	events      eventstore.Store
	checkpoints Checkpoints
	publisher   Publisher
	cfg         Config
	metrics     *Metrics
	log         *zap.Logger
}

func New(events eventstore.Store, checkpoints Checkpoints, publisher Publisher, cfg Config, metrics *Metrics) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Relay{
		events:      events,
		checkpoints: checkpoints,
		publisher:   publisher,
		cfg:         cfg,
		metrics:     metrics,
		log:         logger.Named("relay"),
	}
}

// Encode turns an event into a message keyed by aggregate ID.
func Encode(ev eventstore.DomainEvent) (Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return Message{}, fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	return Message{
		Key:   []byte(ev.AggregateID),
		Value: value,
		Headers: map[string]string{
			"event_id":        ev.EventID,
			"event_type":      string(ev.EventType),
			"aggregate_type":  ev.AggregateType,
			"global_position": strconv.FormatInt(ev.GlobalPosition, 10),
		},
	}, nil
}

// Step publishes one batch and returns how many events it forwarded.
func (r *Relay) Step(ctx context.Context) (int, error) {
	pos, err := r.checkpoints.Checkpoint(ctx, CheckpointRelay)
	if err != nil {
		return 0, err
	}
	events, err := r.events.ReadAll(ctx, pos, r.cfg.BatchSize)
	if err != nil || len(events) == 0 {
		return 0, err
	}

	msgs := make([]Message, len(events))
	for i, ev := range events {
		if msgs[i], err = Encode(ev); err != nil {
			return 0, err
		}
	}
	if err := r.publisher.Publish(ctx, msgs); err != nil {
		r.metrics.failed()
		return 0, fmt.Errorf("publish %d events after position %d: %w", len(msgs), pos, err)
	}

	last := events[len(events)-1].GlobalPosition
	if err := r.checkpoints.SaveCheckpoint(ctx, CheckpointRelay, last); err != nil {
		return len(events), fmt.Errorf("save relay checkpoint %d: %w", last, err)
	}
	r.metrics.published(len(events))
	if head, err := r.events.Head(ctx); err == nil {
		r.metrics.lag(head - last)
	}
	return len(events), nil
}

// Drain steps until the log is exhausted.
func (r *Relay) Drain(ctx context.Context) error {
	for {
		n, err := r.Step(ctx)
		if err != nil {
			return err
		}
		if n < r.cfg.BatchSize {
			return nil
		}
	}
}

// Run drains on every commit signal and every PollInterval until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	signal, unsubscribe := r.events.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.log.Info("Event relay started", zap.Int("batch_size", r.cfg.BatchSize))
	for {
		if err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("Event relay failed, retrying on next tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.log.Info("Event relay stopped")
			return nil
		case <-signal:
		case <-ticker.C:
		}
	}
}

type Metrics struct {
	PublishedTotal prometheus.Counter
	FailedTotal    prometheus.Counter
	Lag            prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_published_total",
			Help: "Events published to Kafka.",
		}),
		FailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_publish_failures_total",
			Help: "Failed publish batches.",
		}),
		Lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_lag_events",
			Help: "Committed events not yet published.",
		}),
	}
	reg.MustRegister(m.PublishedTotal, m.FailedTotal, m.Lag)
	return m
}

func (m *Metrics) published(n int) {
	if m != nil {
		m.PublishedTotal.Add(float64(n))
	}
}

func (m *Metrics) failed() {
	if m != nil {
		m.FailedTotal.Inc()
	}
}

func (m *Metrics) lag(n int64) {
	if m != nil {
		m.Lag.Set(float64(max(n, 0)))
	}
}
