package checkpoint

import (
	"errors"
	"fmt"
)

// ErrGroupReferenced is returned by Destroy when the group is still
// referenced by the persisted migration state and force was not given.
var ErrGroupReferenced = errors.New("checkpoint: group still referenced by migration state")

// CaptureError reports a failed group creation. The partial group has
// already been destroyed by the time the error is returned; the operation
// is not retryable within the same call and must be re-run from scratch.
type CaptureError struct {
	Label string
	Unit  StorageUnit
	Err   error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("checkpoint: capture of %s for label %q failed: %v", e.Unit.Path, e.Label, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// RollbackError reports a rollback that stopped partway. Report carries the
// units already restored; nothing after the failing unit was touched.
type RollbackError struct {
	Unit   StorageUnit
	Report RollbackReport
	Err    error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("checkpoint: rollback of %s failed after %d units restored: %v",
		e.Unit.Path, len(e.Report.RolledBack), e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }
