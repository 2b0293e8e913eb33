package task

import (
	"errors"
	"fmt"
)

// Sentinel errors for the task package. Callers match with errors.Is.
var (
	// ErrNotFound is returned when no task has the requested id.
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned when a compare-and-swap loses: the task is no
	// longer in the expected status or is owned by someone else.
	ErrConflict = errors.New("task status conflict")

	// ErrDuplicate is returned when an active task already carries the same
	// correlation ref.
	ErrDuplicate = errors.New("duplicate task")

	// ErrInvalidTransition is returned for moves outside the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DuplicateError carries the id of the active task that blocked an enqueue.
type DuplicateError struct {
	ExistingID     string
	CorrelationRef string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate task: correlation ref %q already queued as %s", e.CorrelationRef, e.ExistingID)
}

// Is lets errors.Is(err, ErrDuplicate) match.
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func conflict(id string, tr Transition) error {
	return fmt.Errorf("%w: %s is not %s", ErrConflict, id, tr.From)
}
