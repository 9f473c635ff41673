package state

import (
	"errors"
	"fmt"

	"github.com/roach88/floorstate/internal/keypath"
)

// MiddlewareError records a middleware failure. The write it interrupted
// continues with the pre-middleware value.
type MiddlewareError struct {
	// Index is the middleware's position in the pipeline.
	Index int
	Path  keypath.Path
	Err   error
}

// Error implements the error interface.
func (e *MiddlewareError) Error() string {
	return fmt.Sprintf("middleware %d failed for %s: %v", e.Index, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *MiddlewareError) Unwrap() error {
	return e.Err
}

// IsMiddlewareError reports whether err wraps a *MiddlewareError.
func IsMiddlewareError(err error) bool {
	var me *MiddlewareError
	return errors.As(err, &me)
}
