package repository

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStageConflict means a conditional stage update matched no row: another
	// invocation moved the job first. Callers treat it as a no-op.
	ErrStageConflict = errors.New("stage conflict")
	// ErrIllegalTransition is returned before touching the store when the
	// requested move is not part of the state machine.
	ErrIllegalTransition = errors.New("illegal stage transition")
	// ErrTaskConflict means the task was no longer pending.
	ErrTaskConflict = errors.New("task is not pending")
)
