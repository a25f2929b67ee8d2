// ============================================================================
// pbem-host Effect/Result core - Result
// ============================================================================
//
// Package: pkg/fx
// File: result.go
// Purpose: Success(T) / Failure(error) values. These are the only way the
//          orchestration core reports absence or failure between components.
//
// Operators:
//   Select    - transform the success payload, pass Failure through
//   Bind      - chain Result-returning functions, short-circuit on Failure
//   OnFailure - substitute a recovery Result; a failing handler propagates
//   Tap       - side-effecting peek at the success payload
//
// ============================================================================

package fx

import (
	"errors"
	"fmt"
)

// ErrNilFailure marks a Failure constructed from a nil error.
var ErrNilFailure = errors.New("fx: failure constructed with nil error")

// Unit is the payload of a Result that carries no value.
type Unit struct{}

// Result is either Success(value) or Failure(err).
type Result[T any] struct {
	value T
	err   error
}

// Success wraps a value.
func Success[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Failure wraps an error. A nil error is replaced by ErrNilFailure so that a
// Failure can never be mistaken for a Success.
func Failure[T any](err error) Result[T] {
	if err == nil {
		err = ErrNilFailure
	}
	return Result[T]{err: err}
}

// Failf is Failure with fmt.Errorf formatting.
func Failf[T any](format string, args ...any) Result[T] {
	return Failure[T](fmt.Errorf(format, args...))
}

// FromPair adapts a Go (value, error) return into a Result.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Failure[T](err)
	}
	return Success(v)
}

// Ok returns Success(Unit{}).
func Ok() Result[Unit] {
	return Success(Unit{})
}

// FromError returns Success(Unit{}) for nil and Failure otherwise.
func FromError(err error) Result[Unit] {
	if err != nil {
		return Failure[Unit](err)
	}
	return Ok()
}

// IsSuccess reports whether the result holds a value.
func (r Result[T]) IsSuccess() bool { return r.err == nil }

// IsFailure reports whether the result holds an error.
func (r Result[T]) IsFailure() bool { return r.err != nil }

// Err returns the failure or nil.
func (r Result[T]) Err() error { return r.err }

// Unwrap converts back to the Go (value, error) convention.
func (r Result[T]) Unwrap() (T, error) {
	return r.value, r.err
}

// ValueOr returns the success value or def.
func (r Result[T]) ValueOr(def T) T {
	if r.err != nil {
		return def
	}
	return r.value
}

// Tap runs f on the success value and returns r unchanged.
func (r Result[T]) Tap(f func(T)) Result[T] {
	if r.err == nil {
		f(r.value)
	}
	return r
}

// TapError runs f on the failure and returns r unchanged.
func (r Result[T]) TapError(f func(error)) Result[T] {
	if r.err != nil {
		f(r.err)
	}
	return r
}

// OnFailure lets a recovery replace a failure. If the handler itself fails,
// that failure is returned; the original error is joined to it so nothing is lost.
func (r Result[T]) OnFailure(handler func(error) Result[T]) Result[T] {
	if r.err == nil {
		return r
	}
	recovered := handler(r.err)
	if recovered.err != nil && !errors.Is(recovered.err, r.err) {
		return Failure[T](errors.Join(recovered.err, r.err))
	}
	return recovered
}

// Option drops the error.
func (r Result[T]) Option() Option[T] {
	if r.err != nil {
		return None[T]()
	}
	return Some(r.value)
}

func (r Result[T]) String() string {
	if r.err != nil {
		return fmt.Sprintf("Failure(%v)", r.err)
	}
	return fmt.Sprintf("Success(%v)", r.value)
}

// Select transforms the success payload.
func Select[T, U any](r Result[T], f func(T) U) Result[U] {
	if r.err != nil {
		return Failure[U](r.err)
	}
	return Success(f(r.value))
}

// Bind chains a Result-returning function, short-circuiting on Failure.
func Bind[T, U any](r Result[T], f func(T) Result[U]) Result[U] {
	if r.err != nil {
		return Failure[U](r.err)
	}
	return f(r.value)
}

// Discard keeps only the outcome.
func Discard[T any](r Result[T]) Result[Unit] {
	return Select(r, func(T) Unit { return Unit{} })
}
