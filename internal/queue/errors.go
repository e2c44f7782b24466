package queue

import (
	"errors"
	"fmt"
)

// Common errors returned by the queue package
var (
	// ErrInvalidArgument is returned for programmer errors such as an empty
	// queue name, a nil processor or a negative delay.
	ErrInvalidArgument = errors.New("invalid queue argument")

	// ErrJobNotFound is returned by backends when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost is returned when a job is acknowledged with a lease it no
	// longer holds: the lease lapsed and the job was redelivered, or it
	// already finished.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrUnrecoverable marks a failure that must never be retried
	// automatically, whatever attempt budget remains.
	ErrUnrecoverable = errors.New("unrecoverable job error")

	// ErrEvaluationUnrecoverable is the evaluation-specific unrecoverable
	// kind. It matches ErrUnrecoverable under errors.Is.
	ErrEvaluationUnrecoverable = fmt.Errorf("%w: evaluation failed irrecoverably", ErrUnrecoverable)
)

// UnrecoverableError wraps an error so that the classifier terminates the job
// instead of retrying it.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	if e.Err == nil {
		return ErrUnrecoverable.Error()
	}
	return e.Err.Error()
}

// Unwrap exposes the original error.
func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// Is makes every UnrecoverableError match ErrUnrecoverable.
func (e *UnrecoverableError) Is(target error) bool {
	return target == ErrUnrecoverable
}

// Unrecoverable wraps err so the job is terminated on failure. A nil err
// yields nil.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

// IsUnrecoverable reports whether err (or anything it wraps) is of the
// unrecoverable kind.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}
