// ============================================================================
// pbem-host Effect/Result core - deferred computations
// ============================================================================
//
// Package: pkg/fx
// File: effect.go
// Purpose: Effect (synchronous) and Async (context-bound, may run on its own
//          goroutine) wrap work that produces a Result.
//
// Run boundary:
//   Running either kind recovers any panic raised inside and returns it as a
//   Failure carrying *PanicError. Panics never leave a Run call.
//
// Composition:
//   Then / ThenAsync   - sequential bind, continuation skipped after Failure
//   Finally / FinallyAsync - cleanup on success, failure and panic
//
// ============================================================================

package fx

import (
	"context"
	"fmt"
	"runtime/debug"
)

// PanicError carries a fault recovered at an effect boundary.
type PanicError struct {
	Value any    // value passed to panic
	Stack []byte // stack captured at recovery
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("fx: recovered panic: %v", e.Value)
}

// Unwrap exposes the original error when the panic value was one.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func recovered(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

// ============================================================================
// Effect
// ============================================================================

// Effect is synchronous deferred work.
type Effect[T any] func() Result[T]

// Pure lifts a value into an Effect.
func Pure[T any](v T) Effect[T] {
	return func() Result[T] { return Success(v) }
}

// Try lifts a Go-style function into an Effect.
func Try[T any](f func() (T, error)) Effect[T] {
	return func() Result[T] { return FromPair(f()) }
}

// Run executes the effect, converting a panic into a Failure.
func (e Effect[T]) Run() (res Result[T]) {
	if e == nil {
		return Failf[T]("fx: nil effect")
	}
	defer func() {
		if v := recover(); v != nil {
			res = Failure[T](recovered(v))
		}
	}()
	return e()
}

// Then sequences e and the effect produced by f.
func Then[T, U any](e Effect[T], f func(T) Effect[U]) Effect[U] {
	return func() Result[U] {
		r := e.Run()
		if r.err != nil {
			return Failure[U](r.err)
		}
		return f(r.value).Run()
	}
}

// Finally runs cleanup after e whatever the outcome.
func Finally[T any](e Effect[T], cleanup func()) Effect[T] {
	return func() Result[T] {
		defer cleanup()
		return e.Run()
	}
}

// ============================================================================
// Async
// ============================================================================

// Async is deferred work bound to a context.
type Async[T any] func(ctx context.Context) Result[T]

// Lift turns an Effect into an Async that ignores the context once started.
func Lift[T any](e Effect[T]) Async[T] {
	return func(context.Context) Result[T] { return e.Run() }
}

// Run executes the work on the calling goroutine. A context that is already
// done fails without starting the work.
func (a Async[T]) Run(ctx context.Context) (res Result[T]) {
	if a == nil {
		return Failf[T]("fx: nil async")
	}
	if err := ctx.Err(); err != nil {
		return Failure[T](err)
	}
	defer func() {
		if v := recover(); v != nil {
			res = Failure[T](recovered(v))
		}
	}()
	return a(ctx)
}

// Start runs the work on a new goroutine.
func (a Async[T]) Start(ctx context.Context) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.res = a.Run(ctx)
	}()
	return f
}

// ThenAsync sequences a and the async produced by f.
func ThenAsync[T, U any](a Async[T], f func(T) Async[U]) Async[U] {
	return func(ctx context.Context) Result[U] {
		r := a.Run(ctx)
		if r.err != nil {
			return Failure[U](r.err)
		}
		return f(r.value).Run(ctx)
	}
}

// FinallyAsync runs cleanup after a whatever the outcome.
func FinallyAsync[T any](a Async[T], cleanup func()) Async[T] {
	return func(ctx context.Context) Result[T] {
		defer cleanup()
		return a.Run(ctx)
	}
}

// Future is the handle of a started Async.
type Future[T any] struct {
	done chan struct{}
	res  Result[T]
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the result is ready or ctx ends. Giving up on the wait
// does not cancel the work; cancel the context passed to Start for that.
func (f *Future[T]) Await(ctx context.Context) Result[T] {
	select {
	case <-f.done:
		return f.res
	case <-ctx.Done():
		return Failure[T](ctx.Err())
	}
}
