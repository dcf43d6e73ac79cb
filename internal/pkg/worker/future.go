package worker

import (
	"context"
	"fmt"
)

// Future is the pending result of a task running on a Pool.
// It completes exactly once, either with the task's result or with the
// context error observed before the task started.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Async runs fn on the pool and returns a Future for its result.
// The task runs under ctx: cancellation and deadlines reach fn directly.
// A panic inside fn completes the future with an error instead of leaving it pending.
func Async[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (*Future[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := &Future[T]{done: make(chan struct{})}
	err := p.submitAlways(func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		if err := ctx.Err(); err != nil {
			f.err = err
			return
		}
		f.value, f.err = fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Await blocks until the future completes or ctx is done.
// Returning early on ctx does not stop the task; the task observes its own context.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}
