package types

import (
	"errors"
	"fmt"
)

// Caller errors: returned immediately, never retried.
var (
	ErrInvalidRegion    = errors.New("invalid region")
	ErrInvalidDateRange = errors.New("invalid date range")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Per-unit errors: recorded against the unit, never abort the whole run.
var (
	ErrLaunchFailure      = errors.New("job failed to launch")
	ErrBatchProcessing    = errors.New("batch processing failed")
	ErrTransientQuery     = errors.New("status query failed")
	ErrRemoteJobFailure   = errors.New("remote job failed")
	ErrRemoteJobCancelled = errors.New("remote job cancelled")
)

// UnitError attaches the failing unit and operation to an underlying error.
type UnitError struct {
	UnitID string // tile id, period id, batch number or job id
	Op     string // "launch", "batch", "status"
	Err    error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.UnitID, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// TerminalError maps a terminal non-success state to its sentinel error.
// It returns nil for COMPLETED and non-terminal states.
func TerminalError(state JobState, msg string) error {
	var base error
	switch state {
	case StateFailed:
		base = ErrRemoteJobFailure
	case StateCancelled:
		base = ErrRemoteJobCancelled
	default:
		return nil
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}
