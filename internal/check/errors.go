package check

import "errors"

// Sentinel errors shared across store and pipeline implementations.
var (
	// ErrNotFound signals that the requested job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrNotCompleted signals a result request against a non-completed job.
	ErrNotCompleted = errors.New("job is not completed")
	// ErrIllegalTransition signals a status move outside the closed graph.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrQueueFull signals that the job queue is at capacity.
	ErrQueueFull = errors.New("job queue is full")
)
