// Package mlresult provides the tri-state outcome type used across the
// pipeline. Components report Success, Error or Degraded values instead
// of letting failures cross goroutine boundaries.
//
// Usage:
//
//	r := mlresult.Success(42)
//	label := mlresult.Fold(r,
//	    func(v int) string { return "ok" },
//	    func(err error, retryable bool) string { return "failed" },
//	    func(cause error, v int, ok bool, msg string) string { return msg },
//	)
package mlresult

import (
	"fmt"
)

// Kind identifies which variant a Result holds.
type Kind int

const (
	KindSuccess Kind = iota
	KindError
	KindDegraded
)

// String returns the lowercase variant name.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	case KindDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Result is a three-variant union: Success(value), Error(cause, retryable)
// or Degraded(cause, partial value, message). The zero value is a
// Success holding the zero T.
type Result[T any] struct {
	kind      Kind
	value     T
	hasValue  bool
	err       error
	retryable bool
	message   string
}

// Success wraps a fully successful value.
func Success[T any](value T) Result[T] {
	return Result[T]{kind: KindSuccess, value: value, hasValue: true}
}

// Failure builds the Error variant. A nil cause is replaced by
// ErrUnknownFailure so Err never returns nil for an Error.
func Failure[T any](cause error, retryable bool) Result[T] {
	if cause == nil {
		cause = ErrUnknownFailure
	}
	return Result[T]{kind: KindError, err: cause, retryable: retryable}
}

// Degraded builds a Degraded result without a partial value.
func Degraded[T any](cause error, message string) Result[T] {
	return Result[T]{kind: KindDegraded, err: cause, message: message}
}

// DegradedWith builds a Degraded result carrying a usable partial value.
func DegradedWith[T any](cause error, partial T, message string) Result[T] {
	return Result[T]{kind: KindDegraded, err: cause, value: partial, hasValue: true, message: message}
}

// Kind returns the variant.
func (r Result[T]) Kind() Kind { return r.kind }

// IsSuccess reports whether r is a Success.
func (r Result[T]) IsSuccess() bool { return r.kind == KindSuccess }

// IsError reports whether r is an Error.
func (r Result[T]) IsError() bool { return r.kind == KindError }

// IsDegraded reports whether r is Degraded, with or without a partial value.
func (r Result[T]) IsDegraded() bool { return r.kind == KindDegraded }

// Value returns the success value or the degraded partial value. The
// boolean is false for Error and for Degraded without a partial.
func (r Result[T]) Value() (T, bool) {
	if r.kind == KindError || !r.hasValue {
		var zero T
		return zero, false
	}
	return r.value, true
}

// ValueOr returns the value if present, otherwise def.
func (r Result[T]) ValueOr(def T) T {
	if v, ok := r.Value(); ok {
		return v
	}
	return def
}

// Err returns the cause of an Error or Degraded result, nil for Success.
func (r Result[T]) Err() error {
	if r.kind == KindSuccess {
		return nil
	}
	return r.err
}

// Retryable reports whether an Error may be retried. Always false for
// the other variants.
func (r Result[T]) Retryable() bool {
	return r.kind == KindError && r.retryable
}

// Message returns the degraded-mode message.
func (r Result[T]) Message() string { return r.message }

// OnSuccess invokes fn with the value of a Success result.
func (r Result[T]) OnSuccess(fn func(T)) Result[T] {
	if r.kind == KindSuccess {
		fn(r.value)
	}
	return r
}

// OnError invokes fn with the cause of an Error result.
func (r Result[T]) OnError(fn func(err error, retryable bool)) Result[T] {
	if r.kind == KindError {
		fn(r.err, r.retryable)
	}
	return r
}

// OnDegraded invokes fn with the details of a Degraded result.
func (r Result[T]) OnDegraded(fn func(cause error, partial T, ok bool, message string)) Result[T] {
	if r.kind == KindDegraded {
		fn(r.err, r.value, r.hasValue, r.message)
	}
	return r
}

func (r Result[T]) String() string {
	switch r.kind {
	case KindSuccess:
		return fmt.Sprintf("Success(%v)", r.value)
	case KindError:
		return fmt.Sprintf("Error(%v, retryable=%t)", r.err, r.retryable)
	default:
		if r.hasValue {
			return fmt.Sprintf("Degraded(%v, %v, %q)", r.err, r.value, r.message)
		}
		return fmt.Sprintf("Degraded(%v, %q)", r.err, r.message)
	}
}

// Map transforms the value of a Success or the partial of a Degraded
// result. Errors pass through unchanged.
func Map[T, R any](r Result[T], f func(T) R) Result[R] {
	switch r.kind {
	case KindSuccess:
		return Success(f(r.value))
	case KindError:
		return Failure[R](r.err, r.retryable)
	default:
		if r.hasValue {
			return DegradedWith(r.err, f(r.value), r.message)
		}
		return Degraded[R](r.err, r.message)
	}
}

// FlatMap chains a Result-producing step. A Degraded input with a partial
// value stays degraded: a successful step keeps the original cause and
// message, while Error or Degraded outputs are returned as they are.
func FlatMap[T, R any](r Result[T], f func(T) Result[R]) Result[R] {
	switch r.kind {
	case KindSuccess:
		return f(r.value)
	case KindError:
		return Failure[R](r.err, r.retryable)
	default:
		if !r.hasValue {
			return Degraded[R](r.err, r.message)
		}
		next := f(r.value)
		if next.kind == KindSuccess {
			return DegradedWith(r.err, next.value, r.message)
		}
		return next
	}
}

// Fold collapses r into a single value. It is the exhaustive way to
// consume a Result.
func Fold[T, R any](
	r Result[T],
	onSuccess func(T) R,
	onError func(err error, retryable bool) R,
	onDegraded func(cause error, partial T, ok bool, message string) R,
) R {
	switch r.kind {
	case KindSuccess:
		return onSuccess(r.value)
	case KindError:
		return onError(r.err, r.retryable)
	default:
		return onDegraded(r.err, r.value, r.hasValue, r.message)
	}
}
