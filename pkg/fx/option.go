// ============================================================================
// pbem-host Effect/Result core - Option
// ============================================================================
//
// Package: pkg/fx
// File: option.go
// Purpose: explicit presence/absence values used instead of nil pointers and
//          sentinel zero values across the orchestration core.
//
// Semantics:
//   Some(v) carries a value, None carries nothing.
//   MapOption / BindOption propagate None unchanged.
//
// ============================================================================

package fx

import "fmt"

// Option is either Some(value) or None.
// The zero value is None.
type Option[T any] struct {
	value T
	ok    bool
}

// Some wraps a present value.
func Some[T any](v T) Option[T] {
	return Option[T]{value: v, ok: true}
}

// None returns an empty option.
func None[T any]() Option[T] {
	return Option[T]{}
}

// FromPointer converts a nullable pointer into an Option.
func FromPointer[T any](p *T) Option[T] {
	if p == nil {
		return None[T]()
	}
	return Some(*p)
}

// IsSome reports whether a value is present.
func (o Option[T]) IsSome() bool { return o.ok }

// IsNone reports whether the option is empty.
func (o Option[T]) IsNone() bool { return !o.ok }

// Get returns the value and whether it was present.
func (o Option[T]) Get() (T, bool) {
	return o.value, o.ok
}

// OrElse returns the value or def when empty.
func (o Option[T]) OrElse(def T) T {
	if o.ok {
		return o.value
	}
	return def
}

// Pointer converts the option back to a nullable pointer (used at the storage edge).
func (o Option[T]) Pointer() *T {
	if !o.ok {
		return nil
	}
	v := o.value
	return &v
}

// ToResult turns None into Failure(err).
func (o Option[T]) ToResult(err error) Result[T] {
	if o.ok {
		return Success(o.value)
	}
	return Failure[T](err)
}

func (o Option[T]) String() string {
	if !o.ok {
		return "None"
	}
	return fmt.Sprintf("Some(%v)", o.value)
}

// MapOption transforms the contained value.
func MapOption[T, U any](o Option[T], f func(T) U) Option[U] {
	if !o.ok {
		return None[U]()
	}
	return Some(f(o.value))
}

// BindOption chains an Option-returning function.
func BindOption[T, U any](o Option[T], f func(T) Option[U]) Option[U] {
	if !o.ok {
		return None[U]()
	}
	return f(o.value)
}
