package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/domain"
	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/pkg/logger"
)

// CheckpointReadModels is the checkpoint name used by the read model projector.
const CheckpointReadModels = "read_models"

// Config tunes the projector loop.
type Config struct {
	// PollInterval bounds lag when a commit signal is missed.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

func DefaultConfig() Config {
	return Config{PollInterval: 500 * time.Millisecond, BatchSize: 256}
}

// DefaultProjections returns the shipped read models.
func DefaultProjections() []Projection {
	return []Projection{NewOrderView(), NewCustomerSummaryView()}
}

// Projector drains the event log into read models.
type Projector struct {
	events     eventstore.Store
	store      Store
	dispatcher *domain.EventDispatcher
	cfg        Config
	metrics    *Metrics
	name       string
	log        *zap.Logger
}

// NewProjector wires projections onto a fresh dispatcher.
func NewProjector(events eventstore.Store, store Store, cfg Config, metrics *Metrics, projections ...Projection) *Projector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	p := &Projector{
		events:     events,
		store:      store,
		dispatcher: domain.NewEventDispatcher(),
		cfg:        cfg,
		metrics:    metrics,
		name:       CheckpointReadModels,
		log:        logger.Named("projector"),
	}
	w := NewWriter(store, metrics)
	for _, proj := range projections {
		proj.Register(p.dispatcher, w)
		p.log.Debug("Projection registered", zap.String("projection", proj.Name()))
	}
	return p
}

// Step projects one batch after the checkpoint and returns how many events it consumed.
// On a handler error the checkpoint stays at the last fully projected event.
func (p *Projector) Step(ctx context.Context) (int, error) {
	pos, err := p.store.Checkpoint(ctx, p.name)
	if err != nil {
		return 0, err
	}
	events, err := p.events.ReadAll(ctx, pos, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	consumed := 0
	var stepErr error
	for _, ev := range events {
		if p.dispatcher.Handles(ev.EventType) {
			if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
				stepErr = fmt.Errorf("project event at position %d: %w", ev.GlobalPosition, err)
				break
			}
		}
		pos = ev.GlobalPosition
		consumed++
	}

	if consumed > 0 {
		if err := p.store.SaveCheckpoint(ctx, p.name, pos); err != nil {
			return consumed, errors.Join(stepErr, err)
		}
	}
	if head, err := p.events.Head(ctx); err == nil {
		p.metrics.position(pos, head)
	}
	return consumed, stepErr
}

// Drain steps until the log is exhausted.
func (p *Projector) Drain(ctx context.Context) error {
	for {
		n, err := p.Step(ctx)
		if err != nil {
			return err
		}
		if n < p.cfg.BatchSize {
			return nil
		}
	}
}

// Run drains on every commit signal and every PollInterval until ctx ends.
func (p *Projector) Run(ctx context.Context) error {
	signal, unsubscribe := p.events.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info("Projector started",
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize),
	)
	for {
		if err := p.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Error("Projection failed, retrying on next tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.log.Info("Projector stopped")
			return nil
		case <-signal:
		case <-ticker.C:
		}
	}
}
