package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPools(t *testing.T, size int) *Pools {
	t.Helper()
	pools, err := NewPools(context.Background(), PoolConfig{SagaPoolSize: size, RemotePoolSize: size})
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)
	return pools
}

func TestAsync_ReturnsValue(t *testing.T) {
	pools := newTestPools(t, 2)

	f, err := Async(context.Background(), pools.Remote, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)

	got, err := f.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, got)
}

func TestAsync_PropagatesError(t *testing.T) {
	pools := newTestPools(t, 2)
	boom := errors.New("boom")

	f, err := Async(context.Background(), pools.Remote, func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.NoError(t, err)

	_, err = f.Await(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestAsync_DeadlineReachesTask(t *testing.T) {
	pools := newTestPools(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	f, err := Async(ctx, pools.Remote, func(ctx context.Context) (struct{}, error) {
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})
	require.NoError(t, err)

	_, err = f.Await(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAsync_CancelledWhileQueuedStillCompletes(t *testing.T) {
	pools := newTestPools(t, 1)

	release := make(chan struct{})
	blocker, err := Async(context.Background(), pools.Saga, func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan *Future[int], 1)
	go func() { //nolint:naked-goroutine // Async blocks while the pool is full
		f, _ := Async(ctx, pools.Saga, func(ctx context.Context) (int, error) {
			return 1, nil
		})
		queued <- f
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	close(release)

	_, err = blocker.Await(context.Background())
	require.NoError(t, err)

	f := <-queued
	if f == nil {
		return // cancelled before submission
	}
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("future never completed")
	}
}

func TestAsync_SaturatedRemotePoolFailsFast(t *testing.T) {
	pools := newTestPools(t, 1)

	release := make(chan struct{})
	busy, err := Async(context.Background(), pools.Remote, func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = Async(context.Background(), pools.Remote, func(ctx context.Context) (int, error) {
		t.Error("task must not run on a saturated pool")
		return 0, nil
	})
	require.ErrorIs(t, err, ErrPoolOverloaded)
	require.Less(t, time.Since(start), time.Second)

	close(release)
	_, err = busy.Await(context.Background())
	require.NoError(t, err)
}

func TestAsync_RecoversPanic(t *testing.T) {
	pools := newTestPools(t, 1)

	f, err := Async(context.Background(), pools.Saga, func(ctx context.Context) (int, error) {
		panic("bad step")
	})
	require.NoError(t, err)

	_, err = f.Await(context.Background())
	require.ErrorContains(t, err, "bad step")
}

func TestFuture_AwaitHonorsContext(t *testing.T) {
	pools := newTestPools(t, 1)

	release := make(chan struct{})
	defer close(release)
	f, err := Async(context.Background(), pools.Saga, func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAsync_CancelledContext(t *testing.T) {
	pools := newTestPools(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Async(ctx, pools.Saga, func(ctx context.Context) (int, error) { return 0, nil })
	require.ErrorIs(t, err, context.Canceled)
}
