package mlresult

import (
	"errors"
	"fmt"
	"strings"
)

// Combine aggregates a batch. Errors take priority over degradations,
// which take priority over successes:
//   - any Error → Error (the single cause, or all causes joined)
//   - any Degraded → Degraded(first cause, successes and partials, message)
//   - otherwise → Success(all values)
//
// An empty batch is a Success with an empty slice.
func Combine[T any](results []Result[T]) Result[[]T] {
	var (
		errs         []error
		allRetryable = true
		degraded     []Result[T]
		values       = make([]T, 0, len(results))
	)

	for _, r := range results {
		switch r.kind {
		case KindError:
			errs = append(errs, r.err)
			allRetryable = allRetryable && r.retryable
		case KindDegraded:
			degraded = append(degraded, r)
			if r.hasValue {
				values = append(values, r.value)
			}
		default:
			values = append(values, r.value)
		}
	}

	if len(errs) == 1 {
		return Failure[[]T](errs[0], allRetryable)
	}
	if len(errs) > 1 {
		return Failure[[]T](errors.Join(errs...), allRetryable)
	}

	if len(degraded) == 0 {
		return Success(values)
	}

	message := degraded[0].message
	if len(degraded) > 1 {
		msgs := make([]string, 0, len(degraded))
		for _, d := range degraded {
			msgs = append(msgs, d.message)
		}
		message = fmt.Sprintf("%d operations degraded: %s", len(degraded), strings.Join(msgs, "; "))
	}

	if len(values) == 0 {
		return Degraded[[]T](degraded[0].err, message)
	}
	return DegradedWith(degraded[0].err, values, message)
}

// Catching runs fn and converts its outcome into a Result. Resource
// exhaustion becomes Degraded, any other error or a recovered panic a
// retryable Error.
func Catching[T any](fn func() (T, error)) (res Result[T]) {
	defer func() {
		if p := recover(); p != nil {
			res = Failure[T](fmt.Errorf("%w: panic: %v", ErrUnknownFailure, p), true)
		}
	}()

	v, err := fn()
	switch {
	case err == nil:
		return Success(v)
	case IsResourceExhausted(err):
		return Degraded[T](err, "out of memory - switched to degraded mode")
	default:
		return Failure[T](err, true)
	}
}
