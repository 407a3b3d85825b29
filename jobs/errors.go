package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrConflict  = errors.New("job is still processing")
	ErrCapacity  = errors.New("server at capacity")
	ErrCancelled = errors.New("cancelled")
	ErrClosed    = errors.New("service is shutting down")
)

// ValidationError rejects a submission before any job exists.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ModelError is an engine failure tagged with the stage that produced it.
type ModelError struct {
	Stage Step
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// MergeError reports segment data that broke the engine contract.
type MergeError struct {
	Err error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge failed: %v", e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("server at capacity: %d jobs already admitted", e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrCapacity }
