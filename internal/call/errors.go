package call

import "errors"

var (
	// ErrCallNotFound is returned when no tracked record has the requested id
	ErrCallNotFound = errors.New("call not found")

	// ErrCallTerminated is returned for an id whose record was already torn down
	ErrCallTerminated = errors.New("call already terminated")

	// ErrInvalidTransition is returned when a command does not apply to the record's state
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDuplicateHandle is returned when a platform handle is tracked twice
	ErrDuplicateHandle = errors.New("platform handle already tracked")
)
