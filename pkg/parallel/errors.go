package parallel

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTarget is returned for a pool size that is not strictly positive.
	ErrInvalidTarget = errors.New("pool target size must be strictly positive")

	// ErrInvalidCount is reported when an executor returns a negative count.
	ErrInvalidCount = errors.New("task result count must be positive or zero")

	// ErrInvalidExpectedCount is reported when a Counter returns a negative
	// value other than NotComputable.
	ErrInvalidExpectedCount = errors.New("invalid expected count")
)

// PanicError wraps a panic recovered while running a task.
type PanicError struct {
	Runner string
	Value  any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
