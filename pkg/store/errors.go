package store

import "errors"

// Standard store error types that all implementations should use.
var (
	// ErrExecutionNotFound indicates no execution exists for the given id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionExists indicates an execution with the same id already exists.
	ErrExecutionExists = errors.New("execution already exists")

	// ErrTimerNotFound indicates no timer exists for the given id.
	ErrTimerNotFound = errors.New("timer not found")

	// ErrScheduleNotFound indicates no schedule exists for the given id.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrStepResultNotFound indicates no step result exists for the given key.
	ErrStepResultNotFound = errors.New("step result not found")
)
