// Package store provides standardized error types for durable-store
// implementations.
package store

import (
	"errors"
	"fmt"
)

// Standard store error types that all implementations should use.
var (
	// ErrFlowNotFound indicates a flow was not found by the given identifier.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrVersionNotFound indicates a flow version was not found.
	ErrVersionNotFound = errors.New("flow version not found")

	// ErrVersionExists indicates an attempt to overwrite an immutable flow version.
	ErrVersionExists = errors.New("flow version already exists")

	// ErrRunNotFound indicates a run was not found by the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists indicates a run with the same identifier already exists.
	ErrRunExists = errors.New("run already exists")

	// ErrRunNotOwned indicates a progress write for a run whose status no
	// longer matches the writer's expectation.
	ErrRunNotOwned = errors.New("run status changed under writer")

	// ErrCheckpointSequence indicates a checkpoint append that would break
	// the strictly-increasing, gap-free sequence for its run.
	ErrCheckpointSequence = errors.New("checkpoint sequence out of order")

	// ErrCheckpointNotFound indicates a run has no checkpoints yet.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// PersistenceError wraps a store failure with the context the propagation
// policy requires: the operation, run id and node id involved. The caller of
// the controller retries at its next scheduling opportunity.
type PersistenceError struct {
	Op     string
	RunID  string
	NodeID string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s failed for run %s at node %s: %v", e.Op, e.RunID, e.NodeID, e.Err)
	}

	return fmt.Sprintf("%s failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RunError wraps run-related store errors with operation context.
type RunError struct {
	Op    string
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func (e *RunError) Is(target error) bool { return errors.Is(e.Err, target) }

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrCheckpointNotFound)
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// IsVersionNotFound checks if an error indicates a flow version was not found.
func IsVersionNotFound(err error) bool {
	return errors.Is(err, ErrVersionNotFound)
}
