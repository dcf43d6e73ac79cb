package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sagaflow.io/sagaflow/internal/aggregate"
	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/gate"
	"sagaflow.io/sagaflow/internal/pkg/logger"
	"sagaflow.io/sagaflow/internal/pkg/worker"
)

var (
	ErrSagaNotFound       = errors.New("saga not found")
	ErrNotCancellable     = errors.New("saga cannot be cancelled")
	ErrNotCompensating    = errors.New("saga is not compensating")
	ErrSagaBusy           = errors.New("saga is already being driven")
	ErrCompensationFailed = errors.New("compensation failed")
	ErrInvalidInput       = errors.New("invalid saga input")
)

// CompensationError reports a compensation that failed and left the saga COMPENSATING.
type CompensationError struct {
	SagaID string
	Step   string
	Err    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensation of %s failed: %v", e.SagaID, e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

func (e *CompensationError) Is(target error) bool { return target == ErrCompensationFailed }

// Config tunes the coordinator.
type Config struct {
	// MaxConflictRetries bounds re-read-and-retry on optimistic concurrency conflicts.
	MaxConflictRetries int `mapstructure:"max_conflict_retries"`
	// RecoveryConcurrency bounds how many sagas Recover drives at once.
	RecoveryConcurrency int `mapstructure:"recovery_concurrency"`
	// RecoveryInterval is how often the periodic recovery runs.
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
}

func DefaultConfig() Config {
	return Config{
		MaxConflictRetries:  5,
		RecoveryConcurrency: 8,
		RecoveryInterval:    time.Minute,
	}
}

// Coordinator drives saga instances through their steps and compensations.
// Progress is recorded in the event store before and after every side effect,
// so any process can resume a saga from its log.
type Coordinator struct {
	store     eventstore.Store
	defs      *Registry
	gate      *gate.Gate
	cfg       Config
	instances *aggregate.Reconstructor[Instance]
	pools     *worker.Pools
	metrics   *Metrics
	tracer    trace.Tracer
	log       *zap.Logger

	// active holds the IDs this process is driving; at most one driver per saga.
	active sync.Map
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPools enables StartAsync and background drives after Cancel.
func WithPools(p *worker.Pools) Option {
	return func(c *Coordinator) { c.pools = p }
}

// WithMetrics records saga metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithSnapshotEvery snapshots saga instances every n versions.
func WithSnapshotEvery(n int64) Option {
	return func(c *Coordinator) {
		c.instances = NewInstanceReconstructor(c.store, aggregate.Options{SnapshotEvery: n})
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store eventstore.Store, defs *Registry, g *gate.Gate, cfg Config, opts ...Option) *Coordinator {
	if cfg.MaxConflictRetries < 0 {
		cfg.MaxConflictRetries = 0
	}
	if cfg.RecoveryConcurrency <= 0 {
		cfg.RecoveryConcurrency = 1
	}
	c := &Coordinator{
		store:     store,
		defs:      defs,
		gate:      g,
		cfg:       cfg,
		instances: NewInstanceReconstructor(store, aggregate.Options{}),
		tracer:    otel.Tracer("sagaflow/saga"),
		log:       logger.Named("saga"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Definitions returns the definition registry.
func (c *Coordinator) Definitions() *Registry { return c.defs }

// Start persists SAGA_STARTED and drives the saga until it is terminal or blocked.
// A saga that ends FAILED is not an error: the cause is on the instance. Errors
// mean the saga could not be driven to a terminal status (storage failure,
// cancellation of ctx, or a failed compensation).
func (c *Coordinator) Start(ctx context.Context, definition string, input any) (string, error) {
	id, err := c.Begin(ctx, definition, input)
	if err != nil {
		return "", err
	}
	return id, c.run(ctx, id)
}

// StartAsync persists SAGA_STARTED and drives the saga on the saga worker pool.
// The drive uses the service context, so it outlives ctx.
func (c *Coordinator) StartAsync(ctx context.Context, definition string, input any) (string, error) {
	if c.pools == nil {
		return "", errors.New("saga coordinator has no worker pools")
	}
	id, err := c.Begin(ctx, definition, input)
	if err != nil {
		return "", err
	}
	if err := c.submit(id); err != nil {
		// SAGA_STARTED is durable; recovery picks it up.
		return id, fmt.Errorf("schedule saga %s: %w", id, err)
	}
	return id, nil
}

// Resume drives an existing saga. It returns ErrSagaBusy when this process is
// already driving it.
func (c *Coordinator) Resume(ctx context.Context, sagaID string) error {
	return c.run(ctx, sagaID)
}

// RecoveryReport summarizes one Recover pass.
type RecoveryReport struct {
	Scanned int `json:"scanned"`
	Resumed int `json:"resumed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Recover resumes every non-terminal saga: RUNNING ones continue at their
// current step (re-executing a STARTED step with the same idempotency key),
// COMPENSATING ones continue compensating. A failure of one saga does not stop
// the others.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	ids, err := c.store.ListAggregateIDs(ctx, AggregateSaga)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("list sagas: %w", err)
	}

	var (
		report = RecoveryReport{Scanned: len(ids)}
		mu     sync.Mutex
		g      errgroup.Group
	)
	g.SetLimit(c.cfg.RecoveryConcurrency)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		agg, err := c.instances.Reconstruct(ctx, id)
		if err != nil {
			c.log.Error("Saga reconstruction failed during recovery", zap.String("saga_id", id), zap.Error(err))
			report.Failed++
			continue
		}
		if agg.State.Status.Terminal() {
			continue
		}
		if _, busy := c.active.Load(id); busy {
			report.Skipped++
			continue
		}

		g.Go(func() error {
			err := c.run(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Resumed++
			case errors.Is(err, ErrSagaBusy):
				report.Skipped++
			default:
				report.Failed++
				c.log.Warn("Saga recovery incomplete", zap.String("saga_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	c.log.Info("Saga recovery pass finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("resumed", report.Resumed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, ctx.Err()
}

// RetryCompensation resumes a saga whose compensation failed.
func (c *Coordinator) RetryCompensation(ctx context.Context, sagaID string) (Instance, error) {
	err := c.commitWhile(ctx, sagaID, func(in Instance) (bool, error) {
		if in.Status != StatusCompensating {
			return false, fmt.Errorf("%w: %s is %s", ErrNotCompensating, sagaID, in.Status)
		}
		return true, nil
	}, sagaEvent(EventCompensationRetried, reasonPayload{Reason: "operator retry"}))
	if err != nil {
		return Instance{}, err
	}

	c.log.Info("Retrying saga compensation", zap.String("saga_id", sagaID))
	runErr := c.run(ctx, sagaID)
	inst, err := c.Get(ctx, sagaID)
	if err != nil {
		return Instance{}, err
	}
	return inst, runErr
}

// Cancel asks a running saga to stop. Before the current step records STARTED
// the saga goes straight to compensation of what already completed; a step in
// flight finishes first and is then compensated along with the others, even
// when it was the last one. A saga whose steps have all completed cannot be
// cancelled.
func (c *Coordinator) Cancel(ctx context.Context, sagaID string) (Instance, error) {
	err := c.commitWhile(ctx, sagaID, func(in Instance) (bool, error) {
		switch {
		case in.Status.Terminal():
			return false, fmt.Errorf("%w: %s is %s", ErrNotCancellable, sagaID, in.Status)
		case in.Status == StatusCompensating, in.CancelRequested:
			return false, nil
		case in.CurrentStepIndex >= len(in.StepLog):
			return false, fmt.Errorf("%w: %s has completed every step", ErrNotCancellable, sagaID)
		}
		return true, nil
	}, sagaEvent(EventCancelRequested, reasonPayload{Reason: "cancelled"}))
	if err != nil {
		return Instance{}, err
	}

	c.log.Info("Saga cancellation requested", zap.String("saga_id", sagaID))
	if c.pools != nil {
		if err := c.submit(sagaID); err != nil {
			c.log.Warn("Failed to schedule cancelled saga", zap.String("saga_id", sagaID), zap.Error(err))
		}
	} else if err := c.run(ctx, sagaID); err != nil && !errors.Is(err, ErrSagaBusy) {
		return Instance{}, err
	}
	return c.Get(ctx, sagaID)
}

// Get returns the reconstructed instance.
func (c *Coordinator) Get(ctx context.Context, sagaID string) (Instance, error) {
	agg, err := c.instances.Reconstruct(ctx, sagaID)
	if err != nil {
		return Instance{}, mapNotFound(sagaID, err)
	}
	return agg.State, nil
}

// ListActive returns every non-terminal saga, oldest first.
func (c *Coordinator) ListActive(ctx context.Context) ([]Instance, error) {
	ids, err := c.store.ListAggregateIDs(ctx, AggregateSaga)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	out := make([]Instance, 0, len(ids))
	for _, id := range ids {
		agg, err := c.instances.Reconstruct(ctx, id)
		if err != nil {
			return nil, err
		}
		if !agg.State.Status.Terminal() {
			out = append(out, agg.State)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// TakeSnapshot persists a snapshot of one saga instance.
func (c *Coordinator) TakeSnapshot(ctx context.Context, sagaID string) error {
	_, err := c.instances.TakeSnapshot(ctx, sagaID)
	return mapNotFound(sagaID, err)
}

func mapNotFound(sagaID string, err error) error {
	if errors.Is(err, aggregate.ErrAggregateNotFound) {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return err
}

// Begin persists SAGA_STARTED without driving the saga. The caller hands the
// ID to Resume, a job queue, or recovery.
func (c *Coordinator) Begin(ctx context.Context, definition string, input any) (string, error) {
	def, err := c.defs.Get(definition)
	if err != nil {
		return "", err
	}
	raw, err := encodeInput(input)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	started := sagaEvent(EventSagaStarted, startedPayload{
		SagaID:     id,
		Definition: def.Name,
		Steps:      def.stepNames(),
		Input:      raw,
	})
	if _, err := c.store.Append(ctx, id, 0, []eventstore.PendingEvent{started}); err != nil {
		return "", fmt.Errorf("record start of saga %s: %w", id, err)
	}
	c.metrics.started(def.Name)
	c.log.Info("Saga started",
		zap.String("saga_id", id),
		zap.String("definition", def.Name),
		zap.Int("steps", len(def.Steps)),
	)
	return id, nil
}

func encodeInput(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidInput)
		}
		return v, nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return raw, nil
}

func (c *Coordinator) submit(sagaID string) error {
	return c.pools.SubmitDetached(worker.PoolSaga, func(ctx context.Context) {
		err := c.run(ctx, sagaID)
		switch {
		case err == nil, errors.Is(err, ErrSagaBusy):
		case errors.Is(err, context.Canceled):
			c.log.Info("Saga drive interrupted by shutdown", zap.String("saga_id", sagaID))
		default:
			c.log.Error("Saga drive failed", zap.String("saga_id", sagaID), zap.Error(err))
		}
	})
}

// run drives one saga while holding its slot in the active set.
func (c *Coordinator) run(ctx context.Context, sagaID string) error {
	if _, busy := c.active.LoadOrStore(sagaID, struct{}{}); busy {
		return fmt.Errorf("%w: %s", ErrSagaBusy, sagaID)
	}
	c.metrics.activeDelta(1)
	defer func() {
		c.active.Delete(sagaID)
		c.metrics.activeDelta(-1)
	}()
	return c.drive(ctx, sagaID)
}

// drive re-reads the saga and performs one transition per iteration until it
// is terminal. A cancelled ctx stops the loop without recording anything, so
// the saga stays resumable.
func (c *Coordinator) drive(ctx context.Context, sagaID string) error {
	conflicts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		agg, err := c.instances.Reconstruct(ctx, sagaID)
		if err != nil {
			return mapNotFound(sagaID, err)
		}
		if agg.State.Status.Terminal() {
			return nil
		}
		def, err := c.defs.Get(agg.State.Definition)
		if err != nil {
			return err
		}
		if len(def.Steps) != len(agg.State.StepLog) {
			return fmt.Errorf("saga %s was started with %d steps, definition %s now has %d",
				sagaID, len(agg.State.StepLog), def.Name, len(def.Steps))
		}

		switch agg.State.Status {
		case StatusRunning:
			err = c.advance(ctx, def, agg)
		case StatusCompensating:
			err = c.compensateNext(ctx, def, agg)
		default:
			err = fmt.Errorf("saga %s has unexpected status %q", sagaID, agg.State.Status)
		}

		switch {
		case err == nil:
			conflicts = 0
		case errors.Is(err, eventstore.ErrConcurrencyConflict):
			c.metrics.conflict()
			conflicts++
			if conflicts > c.cfg.MaxConflictRetries {
				return fmt.Errorf("saga %s: %w", sagaID, err)
			}
			c.log.Debug("Saga append conflict, re-reading",
				zap.String("saga_id", sagaID),
				zap.Int("conflicts", conflicts),
			)
		default:
			return err
		}
	}
}

// ActionKey is the idempotency key of a step's action. Every execution of the
// same step of the same saga uses it, including re-execution after a crash.
func ActionKey(sagaID string, index int) string {
	return fmt.Sprintf("%s:%d:action", sagaID, index)
}

// CompensationKey is the idempotency key of a step's compensation.
func CompensationKey(sagaID string, index int) string {
	return fmt.Sprintf("%s:%d:compensate", sagaID, index)
}

func stepContext(in Instance, index int, key string) StepContext {
	return StepContext{
		SagaID:         in.SagaID,
		Definition:     in.Definition,
		StepIndex:      index,
		StepName:       in.StepLog[index].Name,
		IdempotencyKey: key,
		Input:          in.Input,
		Output:         in.StepLog[index].Output,
		Outputs:        in.Outputs(),
	}
}

// advance moves a RUNNING saga forward by one transition.
func (c *Coordinator) advance(ctx context.Context, def Definition, agg aggregate.Aggregate[Instance]) error {
	in := agg.State
	idx := in.CurrentStepIndex

	if idx >= len(def.Steps) {
		if in.CancelRequested {
			// The cancel landed while the last step was in flight.
			return c.commit(ctx, agg, sagaEvent(EventCompensationStarted, reasonPayload{Reason: "cancelled"}))
		}
		if err := c.commit(ctx, agg, sagaEvent(EventSagaCompleted, reasonPayload{})); err != nil {
			return err
		}
		c.metrics.finished(def.Name, StatusCompleted)
		c.log.Info("Saga completed", zap.String("saga_id", in.SagaID), zap.String("definition", def.Name))
		return nil
	}

	rec := in.StepLog[idx]
	if rec.State == StepPending {
		if in.CancelRequested {
			return c.commit(ctx, agg, sagaEvent(EventCompensationStarted, reasonPayload{Reason: "cancelled"}))
		}
		key := ActionKey(in.SagaID, idx)
		if err := c.commit(ctx, agg, sagaEvent(EventStepStarted, stepPayload{Index: idx, Name: rec.Name, IdempotencyKey: key})); err != nil {
			return err
		}
	} else {
		c.log.Info("Re-executing started step",
			zap.String("saga_id", in.SagaID),
			zap.String("step", rec.Name),
			zap.Int("attempts", rec.Attempts),
		)
	}

	step := def.Steps[idx]
	out, stepErr := c.runStep(ctx, def, step, stepContext(in, idx, ActionKey(in.SagaID, idx)), phaseAction)
	if stepErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	stillStarted := func(cur Instance) (bool, error) {
		return cur.Status == StatusRunning && cur.StepLog[idx].State == StepStarted, nil
	}
	if stepErr != nil {
		c.log.Warn("Saga step failed, compensating",
			zap.String("saga_id", in.SagaID),
			zap.String("step", rec.Name),
			zap.Error(stepErr),
		)
		failed := stepPayload{
			Index: idx,
			Name:  rec.Name,
			Error: stepErr.Error(),
			Class: gate.Classify(stepErr).String(),
		}
		var unrecorded *UnrecordedEffectError
		if errors.As(stepErr, &unrecorded) {
			failed.Effect = true
			failed.Output = unrecorded.Output
		}
		return c.commitWhile(ctx, in.SagaID, stillStarted,
			sagaEvent(EventStepFailed, failed),
			sagaEvent(EventCompensationStarted, reasonPayload{Reason: fmt.Sprintf("step %s failed: %s", rec.Name, stepErr)}),
		)
	}
	return c.commitWhile(ctx, in.SagaID, stillStarted,
		sagaEvent(EventStepCompleted, stepPayload{Index: idx, Name: rec.Name, Output: out}))
}

// compensateNext undoes the latest completed step, or finishes the saga as FAILED.
func (c *Coordinator) compensateNext(ctx context.Context, def Definition, agg aggregate.Aggregate[Instance]) error {
	in := agg.State
	idx := in.nextCompensation()
	if idx < 0 {
		if err := c.commit(ctx, agg, sagaEvent(EventSagaFailed, reasonPayload{Reason: in.Failure})); err != nil {
			return err
		}
		c.metrics.finished(def.Name, StatusFailed)
		c.log.Info("Saga failed after compensation",
			zap.String("saga_id", in.SagaID),
			zap.String("definition", def.Name),
			zap.String("cause", in.Failure),
		)
		return nil
	}

	rec := in.StepLog[idx]
	_, err := c.runStep(ctx, def, def.Steps[idx], stepContext(in, idx, CompensationKey(in.SagaID, idx)), phaseCompensate)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	stillOwed := func(cur Instance) (bool, error) {
		return cur.Status == StatusCompensating && cur.nextCompensation() == idx, nil
	}
	if err != nil {
		c.log.Error("Saga compensation failed",
			zap.String("saga_id", in.SagaID),
			zap.String("step", rec.Name),
			zap.Error(err),
		)
		recErr := c.commitWhile(ctx, in.SagaID, stillOwed,
			sagaEvent(EventCompensationFailed, stepPayload{Index: idx, Name: rec.Name, Error: err.Error(), Class: gate.Classify(err).String()}))
		if recErr != nil {
			return recErr
		}
		return &CompensationError{SagaID: in.SagaID, Step: rec.Name, Err: err}
	}
	return c.commitWhile(ctx, in.SagaID, stillOwed,
		sagaEvent(EventStepCompensated, stepPayload{Index: idx, Name: rec.Name}))
}

const (
	phaseAction     = "action"
	phaseCompensate = "compensate"
)

// runStep invokes one step phase inside a span. Only remote steps get the gate.
func (c *Coordinator) runStep(ctx context.Context, def Definition, step Step, sc StepContext, phase string) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga_id", sc.SagaID),
		attribute.String("definition", def.Name),
		attribute.String("step", step.Name()),
		attribute.String("kind", step.Kind().String()),
		attribute.String("phase", phase),
		attribute.Int("index", sc.StepIndex),
	))
	defer span.End()

	var g *gate.Gate
	switch step.Kind() {
	case KindRemote:
		if c.gate == nil {
			return nil, fmt.Errorf("remote step %s needs a gate", step.Name())
		}
		g = c.gate
	case KindLocal:
	default:
		return nil, fmt.Errorf("step %s has unknown kind %s", step.Name(), step.Kind())
	}

	var (
		out json.RawMessage
		err error
	)
	if phase == phaseCompensate {
		err = step.Compensate(ctx, sc, g)
	} else {
		out, err = step.Execute(ctx, sc, g)
	}

	c.metrics.step(def.Name, step.Name(), phase, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, phase+" failed")
	}
	return out, err
}

// commit appends at the version agg was read at; a conflict goes back to drive.
func (c *Coordinator) commit(ctx context.Context, agg aggregate.Aggregate[Instance], events ...eventstore.PendingEvent) error {
	if _, err := c.store.Append(ctx, agg.ID, agg.Version, events); err != nil {
		return err
	}
	c.instances.MaybeSnapshot(ctx, agg.ID, agg.Version, agg.Version+int64(len(events)))
	return nil
}

// commitWhile re-reads the saga and appends events while guard accepts it,
// retrying conflicts up to MaxConflictRetries. A guard returning false means
// the transition is already recorded or no longer applies.
func (c *Coordinator) commitWhile(ctx context.Context, sagaID string, guard func(Instance) (bool, error), events ...eventstore.PendingEvent) error {
	for attempt := 0; ; attempt++ {
		agg, err := c.instances.Reconstruct(ctx, sagaID)
		if err != nil {
			return mapNotFound(sagaID, err)
		}
		ok, err := guard(agg.State)
		if err != nil || !ok {
			return err
		}
		err = c.commit(ctx, agg, events...)
		if err == nil || !errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return err
		}
		c.metrics.conflict()
		if attempt >= c.cfg.MaxConflictRetries {
			return fmt.Errorf("saga %s: %w", sagaID, err)
		}
	}
}
