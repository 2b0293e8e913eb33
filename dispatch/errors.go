package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrSubmissionFailed is matched by every *SubmissionError. The store
	// could not record the instruction, and the caller must not treat it as
	// queued.
	ErrSubmissionFailed = errors.New("submission failed")

	// ErrInvalidArgument is returned for malformed submissions, claims and
	// completions.
	ErrInvalidArgument = errors.New("invalid argument")
)

// SubmissionError wraps the store failure behind a rejected submission.
type SubmissionError struct {
	Source string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed (source %s): %v", e.Source, e.Err)
}

// Unwrap returns the underlying store error.
func (e *SubmissionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSubmissionFailed) match.
func (e *SubmissionError) Is(target error) bool { return target == ErrSubmissionFailed }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
