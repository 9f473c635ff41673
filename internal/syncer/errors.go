package syncer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/floorstate/internal/keypath"
)

// ErrPassInFlight is returned by Flush while another pass is running.
var ErrPassInFlight = errors.New("syncer: pass already in flight")

// ErrUnknownPriority is returned by Sync for an unconfigured priority name.
var ErrUnknownPriority = errors.New("syncer: unknown priority")

// UnmappedPathError is returned by Sync for a path with no remote field.
type UnmappedPathError struct {
	Path keypath.Path
}

// Error implements the error interface.
func (e *UnmappedPathError) Error() string {
	return fmt.Sprintf("syncer: path %s has no remote field", e.Path)
}

// SyncError reports a failed batch write.
type SyncError struct {
	BatchID string
	ItemIDs []string
	// Attempt is the highest attempt number among the batch's items.
	Attempt int
	Err     error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("syncer: batch %s (items %s, attempt %d) failed: %v",
		e.BatchID, strings.Join(e.ItemIDs, ","), e.Attempt, e.Err)
}

// Unwrap returns the remote's error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsSyncError reports whether err wraps a *SyncError.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}
