package mlruntime

import (
	"errors"
	"fmt"

	"mlpipeline/mlresult"
)

// Buffer errors
var (
	ErrInvalidDimensions = errors.New("mlruntime: invalid buffer dimensions")
	ErrUnknownFormat     = errors.New("mlruntime: unknown pixel format")
)

// Registry errors
var (
	ErrNilHandle = errors.New("mlruntime: nil interpreter handle")
)

// exhausted wraps a detail message with mlresult.ErrResourceExhausted so
// callers can classify it with errors.Is.
func exhausted(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", mlresult.ErrResourceExhausted, fmt.Sprintf(format, args...))
}
