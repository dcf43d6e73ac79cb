package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/pkg/logger"
	"sagaflow.io/sagaflow/internal/pkg/worker"
)

// Operation is one call to a collaborator. The idempotency key is the same
// for every attempt of one Execute.
type Operation[T any] func(ctx context.Context, idempotencyKey string) (T, error)

// Config holds the gate policy.
type Config struct {
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Retry          RetryPolicy   `mapstructure:"retry"`
}

// DefaultConfig returns the default gate policy.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 2 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// Gate executes collaborator operations under breaker, retry, and timeout.
type Gate struct {
	registry *Registry
	cfg      Config
	pool     *worker.Pool
	metrics  *Metrics
	tracer   trace.Tracer
	log      *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithPool runs each attempt on the given worker pool.
func WithPool(p *worker.Pool) Option {
	return func(g *Gate) { g.pool = p }
}

// WithMetrics records call and attempt counters.
func WithMetrics(m *Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) { g.tracer = t }
}

// New creates a Gate using the given breaker registry.
func New(registry *Registry, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		registry: registry,
		cfg:      cfg,
		tracer:   otel.Tracer("sagaflow/gate"),
		log:      logger.Named("gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry returns the breaker registry.
func (g *Gate) Registry() *Registry { return g.registry }

// Execute calls op through the circuit breaker for collaborator.
//
// Errors:
//   - ErrRejected: business rejection, returned on the first occurrence.
//   - ErrCollaboratorUnavailable wrapping ErrCircuitOpen: breaker is open.
//   - ErrCollaboratorUnavailable wrapping the last cause (possibly ErrTimeout): retries exhausted.
//   - ErrCollaboratorUnavailable wrapping worker.ErrPoolOverloaded: no attempt found a free worker.
//   - the context error when ctx ends first.
func Execute[T any](ctx context.Context, g *Gate, collaborator, idempotencyKey string, op Operation[T]) (T, error) {
	ctx, span := g.tracer.Start(ctx, "gate.execute", trace.WithAttributes(
		attribute.String("collaborator", collaborator),
		attribute.String("idempotency_key", idempotencyKey),
	))
	defer span.End()

	breaker := g.registry.Breaker(collaborator)
	attempts := 0

	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		var zero T

		trial, err := breaker.Allow()
		if err != nil {
			g.metrics.attempt(collaborator, ClassCircuitOpen)
			return zero, backoff.Permanent(err)
		}

		res, err := runAttempt(ctx, g, idempotencyKey, op)
		class := Classify(err)
		outcome := outcomeFor(ctx, class)
		if errors.Is(err, worker.ErrPoolOverloaded) {
			// The collaborator was never contacted.
			outcome = OutcomeAbandoned
		}
		breaker.Report(trial, outcome)
		g.metrics.attempt(collaborator, class)

		switch {
		case err == nil:
			return res, nil
		case ctx.Err() != nil:
			return zero, backoff.Permanent(err)
		case !class.Transient():
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}, g.cfg.Retry.options(func(err error, next time.Duration) {
		g.log.Debug("Retrying collaborator call",
			zap.String("collaborator", collaborator),
			zap.String("idempotency_key", idempotencyKey),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	})...)

	err = finalError(ctx, collaborator, attempts, unwrapPermanent(err))
	class := Classify(err)
	g.metrics.call(collaborator, class)
	span.SetAttributes(attribute.Int("attempts", attempts), attribute.String("outcome", class.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, class.String())
		var zero T
		return zero, err
	}
	return result, nil
}

// runAttempt runs one bounded attempt, on the pool when one is configured.
func runAttempt[T any](ctx context.Context, g *Gate, key string, op Operation[T]) (T, error) {
	actx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
	defer cancel()

	var (
		res T
		err error
	)
	if g.pool == nil {
		res, err = op(actx, key)
	} else {
		var f *worker.Future[T]
		f, err = worker.Async(actx, g.pool, func(ctx context.Context) (T, error) { return op(ctx, key) })
		if err == nil {
			res, err = f.Await(actx)
		}
	}

	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%w after %s: %w", ErrTimeout, g.cfg.AttemptTimeout, err)
	}
	return res, err
}

func outcomeFor(ctx context.Context, c Class) Outcome {
	switch {
	case ctx.Err() != nil:
		return OutcomeAbandoned
	case c == ClassNone, c == ClassRejected:
		return OutcomeSuccess
	case c == ClassCancelled:
		return OutcomeAbandoned
	default:
		return OutcomeFailure
	}
}

func finalError(ctx context.Context, collaborator string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", collaborator, ctxErr)
	}
	switch Classify(err) {
	case ClassRejected:
		return fmt.Errorf("%s: %w", collaborator, err)
	case ClassCircuitOpen:
		return fmt.Errorf("%w: %w", ErrCollaboratorUnavailable, err)
	default:
		return fmt.Errorf("%w: %s after %d attempt(s): %w", ErrCollaboratorUnavailable, collaborator, attempts, err)
	}
}

// backoff returns a PermanentError unchanged when MaxTries is reached first.
func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
