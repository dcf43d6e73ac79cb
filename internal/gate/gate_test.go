package gate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"sagaflow.io/sagaflow/internal/pkg/logger"
	"sagaflow.io/sagaflow/internal/pkg/worker"
)

func init() {
	_ = logger.Init("error", "json")
}

func fastConfig(attempts int) Config {
	return Config{
		AttemptTimeout: 50 * time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts:         attempts,
			InitialInterval:     time.Millisecond,
			MaxInterval:         2 * time.Millisecond,
			Multiplier:          2,
			RandomizationFactor: 0.5,
		},
	}
}

func TestExecute_Success(t *testing.T) {
	g := New(NewRegistry(DefaultBreakerConfig()), fastConfig(3))

	var gotKey string
	res, err := Execute(context.Background(), g, "inventory", "saga-1:1:action",
		func(ctx context.Context, key string) (string, error) {
			gotKey = key
			return "reservation-1", nil
		})
	require.NoError(t, err)
	require.Equal(t, "reservation-1", res)
	require.Equal(t, "saga-1:1:action", gotKey)
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	g := New(NewRegistry(DefaultBreakerConfig()), fastConfig(3))

	var calls atomic.Int32
	res, err := Execute(context.Background(), g, "payment", "k",
		func(ctx context.Context, key string) (int, error) {
			if calls.Add(1) < 3 {
				return 0, errors.New("connection refused")
			}
			return 7, nil
		})
	require.NoError(t, err)
	require.Equal(t, 7, res)
	require.EqualValues(t, 3, calls.Load())
}

func TestExecute_RetriesExhaustedIsUnavailable(t *testing.T) {
	g := New(NewRegistry(DefaultBreakerConfig()), fastConfig(3))

	var calls atomic.Int32
	cause := errors.New("503 from upstream")
	_, err := Execute(context.Background(), g, "payment", "k",
		func(ctx context.Context, key string) (int, error) {
			calls.Add(1)
			return 0, cause
		})
	require.ErrorIs(t, err, ErrCollaboratorUnavailable)
	require.ErrorIs(t, err, cause)
	require.EqualValues(t, 3, calls.Load())
}

func TestExecute_RejectionIsNeverRetried(t *testing.T) {
	reg := NewRegistry(BreakerConfig{WindowSize: 1, FailureThreshold: 1, Cooldown: time.Minute})
	g := New(reg, fastConfig(5))

	var calls atomic.Int32
	_, err := Execute(context.Background(), g, "payment", "k",
		func(ctx context.Context, key string) (int, error) {
			calls.Add(1)
			return 0, errors.Join(ErrRejected, errors.New("card declined"))
		})
	require.ErrorIs(t, err, ErrRejected)
	require.NotErrorIs(t, err, ErrCollaboratorUnavailable)
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, StateClosed, reg.Breaker("payment").Snapshot().State, "rejection is a healthy answer")
}

func TestExecute_TimeoutCountsAsFailureAndEscalates(t *testing.T) {
	reg := NewRegistry(BreakerConfig{WindowSize: 2, FailureThreshold: 1, Cooldown: time.Minute})
	g := New(reg, fastConfig(2))

	_, err := Execute(context.Background(), g, "inventory", "k",
		func(ctx context.Context, key string) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
	require.ErrorIs(t, err, ErrCollaboratorUnavailable)
	require.ErrorIs(t, err, ErrTimeout)

	snap := reg.Breaker("inventory").Snapshot()
	require.Equal(t, StateOpen, snap.State)
	require.Equal(t, 2, snap.FailureCount)
}

func TestExecute_OpenCircuitDoesNotContactCollaborator(t *testing.T) {
	reg := NewRegistry(DefaultBreakerConfig())
	g := New(reg, fastConfig(1))

	var calls atomic.Int32
	failing := func(ctx context.Context, key string) (int, error) {
		calls.Add(1)
		return 0, errors.New("down")
	}
	for i := 0; i < 6; i++ {
		_, err := Execute(context.Background(), g, "payment", "k", failing)
		require.ErrorIs(t, err, ErrCollaboratorUnavailable)
	}
	require.EqualValues(t, 6, calls.Load())

	_, err := Execute(context.Background(), g, "payment", "k", failing)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.ErrorIs(t, err, ErrCollaboratorUnavailable)
	require.EqualValues(t, 6, calls.Load(), "seventh call must not reach the collaborator")
}

func TestExecute_CircuitOpenStopsRetries(t *testing.T) {
	reg := NewRegistry(BreakerConfig{WindowSize: 1, FailureThreshold: 1, Cooldown: time.Minute})
	g := New(reg, fastConfig(5))

	var calls atomic.Int32
	_, err := Execute(context.Background(), g, "payment", "k",
		func(ctx context.Context, key string) (int, error) {
			calls.Add(1)
			return 0, errors.New("down")
		})
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.EqualValues(t, 1, calls.Load())
}

func TestExecute_CallerCancellation(t *testing.T) {
	reg := NewRegistry(BreakerConfig{WindowSize: 1, FailureThreshold: 1, Cooldown: time.Minute})
	g := New(reg, Config{AttemptTimeout: time.Second, Retry: fastConfig(3).Retry})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := Execute(ctx, g, "payment", "k",
		func(ctx context.Context, key string) (int, error) {
			cancel()
			<-ctx.Done()
			return 0, ctx.Err()
		})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrCollaboratorUnavailable)
	require.Equal(t, StateClosed, reg.Breaker("payment").Snapshot().State, "abandoned calls are not failures")
}

func TestExecute_OnWorkerPool(t *testing.T) {
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{SagaPoolSize: 1, RemotePoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)

	g := New(NewRegistry(DefaultBreakerConfig()), fastConfig(2), WithPool(pools.Remote))
	res, err := Execute(context.Background(), g, "inventory", "k",
		func(ctx context.Context, key string) (string, error) { return key, nil })
	require.NoError(t, err)
	require.Equal(t, "k", res)

	_, err = Execute(context.Background(), g, "inventory", "k2",
		func(ctx context.Context, key string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestExecute_SaturatedPoolIsUnavailableWithoutTrippingBreaker(t *testing.T) {
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{SagaPoolSize: 1, RemotePoolSize: 1})
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)

	release := make(chan struct{})
	busy, err := worker.Async(context.Background(), pools.Remote, func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, err)
	defer func() {
		close(release)
		_, _ = busy.Await(context.Background())
	}()

	reg := NewRegistry(BreakerConfig{WindowSize: 2, FailureThreshold: 0.5, Cooldown: time.Minute})
	g := New(reg, fastConfig(3), WithPool(pools.Remote))

	var calls atomic.Int32
	_, err = Execute(context.Background(), g, "payment", "k",
		func(ctx context.Context, key string) (int, error) {
			calls.Add(1)
			return 1, nil
		})
	require.ErrorIs(t, err, ErrCollaboratorUnavailable)
	require.ErrorIs(t, err, worker.ErrPoolOverloaded)
	require.Zero(t, calls.Load())

	snap := reg.Breaker("payment").Snapshot()
	require.Equal(t, StateClosed, snap.State)
	require.Zero(t, snap.RecordedCount)
}

func TestExecute_MetricsAndSpan(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	g := New(NewRegistry(DefaultBreakerConfig(), WithTransitionHook(m.TransitionHook())), fastConfig(2),
		WithMetrics(m), WithTracer(tp.Tracer("test")))

	_, err := Execute(context.Background(), g, "payment", "k",
		func(ctx context.Context, key string) (int, error) { return 1, nil })
	require.NoError(t, err)
	_, err = Execute(context.Background(), g, "payment", "k",
		func(ctx context.Context, key string) (int, error) { return 0, ErrRejected })
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("payment", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("payment", "rejected")))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "gate.execute", spans[0].Name())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"rejected", ErrRejected, ClassRejected},
		{"open", ErrCircuitOpen, ClassCircuitOpen},
		{"timeout", ErrTimeout, ClassTimeout},
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"cancelled", context.Canceled, ClassCancelled},
		{"other", errors.New("io"), ClassUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
