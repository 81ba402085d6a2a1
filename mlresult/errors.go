package mlresult

import (
	"errors"
)

// Error taxonomy shared by every pipeline component.
var (
	// ErrNotFound is returned when a resource key is not registered.
	// Callers must not retry it.
	ErrNotFound = errors.New("mlresult: resource not found")

	// ErrAlreadyShutdown is returned by any operation on a component
	// that has been shut down. It is terminal.
	ErrAlreadyShutdown = errors.New("mlresult: already shut down")

	// ErrResourceExhausted marks a transient, OOM-class condition. It is
	// always recovered locally into a Degraded result.
	ErrResourceExhausted = errors.New("mlresult: resource exhausted")

	// ErrPartialInitialization is the cause of a Degraded initialize
	// outcome when only some backends came up.
	ErrPartialInitialization = errors.New("mlresult: partial initialization")

	// ErrUnknownFailure wraps opaque causes such as recovered panics.
	ErrUnknownFailure = errors.New("mlresult: unknown failure")
)

// Orchestration errors
var (
	ErrNotInitialized = errors.New("mlresult: pipeline not initialized")
	ErrNotRunning     = errors.New("mlresult: pipeline not running")
	ErrNoBackend      = errors.New("mlresult: no inference backend available")
)

// ErrorCode is a stable string classification of an error, used in logs
// and telemetry rows.
type ErrorCode string

const (
	CodeNone                  ErrorCode = ""
	CodeNotFound              ErrorCode = "not_found"
	CodeAlreadyShutdown       ErrorCode = "already_shutdown"
	CodeResourceExhausted     ErrorCode = "resource_exhausted"
	CodePartialInitialization ErrorCode = "partial_initialization"
	CodeNotInitialized        ErrorCode = "not_initialized"
	CodeNotRunning            ErrorCode = "not_running"
	CodeNoBackend             ErrorCode = "no_backend"
	CodeUnknown               ErrorCode = "unknown"
)

// Code classifies err against the taxonomy. A nil error maps to CodeNone
// and anything unrecognised to CodeUnknown.
func Code(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyShutdown):
		return CodeAlreadyShutdown
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrPartialInitialization):
		return CodePartialInitialization
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, ErrNotRunning):
		return CodeNotRunning
	case errors.Is(err, ErrNoBackend):
		return CodeNoBackend
	default:
		return CodeUnknown
	}
}

// IsResourceExhausted reports whether err is an OOM-class condition.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}
