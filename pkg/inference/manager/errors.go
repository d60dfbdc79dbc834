package manager

import (
	"errors"
	"fmt"
)

// ErrManagerFailed indicates that a previous switch failed and could not be
// rolled back. The manager refuses all further work; the owning process must
// construct a replacement.
var ErrManagerFailed = errors.New("model manager is in a failed state")

// SwitchError indicates that a model switch failed but the previously active
// model was restored. The manager's observable state is unchanged.
type SwitchError struct {
	// Model is the model the switch targeted.
	Model string
	// Cause is the failure that aborted the switch.
	Cause error
}

// Error implements error.Error.
func (e *SwitchError) Error() string {
	return fmt.Sprintf("switching to %s failed (previous model restored): %v", e.Model, e.Cause)
}

// Unwrap implements error unwrapping for the switch cause.
func (e *SwitchError) Unwrap() error {
	return e.Cause
}

// RollbackError indicates that a model switch failed and restoring the
// previously active model also failed. The manager has no usable backend and
// latches ErrManagerFailed for all subsequent operations.
type RollbackError struct {
	// Model is the model the switch targeted.
	Model string
	// Previous is the model the rollback tried to restore.
	Previous string
	// SwitchCause is the failure that aborted the switch.
	SwitchCause error
	// RollbackCause is the failure that aborted the rollback.
	RollbackCause error
}

// Error implements error.Error.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("switching to %s failed (%v) and restoring %s also failed (%v): manager unusable",
		e.Model, e.SwitchCause, e.Previous, e.RollbackCause)
}

// Unwrap implements error unwrapping for the rollback cause, the terminal
// failure.
func (e *RollbackError) Unwrap() error {
	return e.RollbackCause
}
