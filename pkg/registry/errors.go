package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry misuse, detected at startup or registration.
var (
	ErrDuplicateTask = errors.New("task reference already registered")
	ErrUnknownTask   = errors.New("task reference not registered")
	ErrInvalidTask   = errors.New("invalid task function")
)

// DuplicateTaskError reports a reference collision within a scope.
type DuplicateTaskError struct {
	Reference string
	Scope     string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q already registered in scope %q", e.Reference, e.Scope)
}

func (e *DuplicateTaskError) Is(target error) bool { return target == ErrDuplicateTask }

// UnknownTaskError reports a resolve miss.
type UnknownTaskError struct {
	Reference string
	Scope     string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("task %q not registered in scope %q", e.Reference, e.Scope)
}

func (e *UnknownTaskError) Is(target error) bool { return target == ErrUnknownTask }

// InvalidTaskError reports a registration with an unusable function.
type InvalidTaskError struct {
	Reference string
	Scope     string
	Reason    string
}

func (e *InvalidTaskError) Error() string {
	return fmt.Sprintf("cannot register task %q in scope %q: %s", e.Reference, e.Scope, e.Reason)
}

func (e *InvalidTaskError) Is(target error) bool { return target == ErrInvalidTask }

// SuspendError is the cooperative pause request a task function returns when
// it wants the run checkpointed and suspended at the current node. Update, if
// non-nil, is merged into run data before the checkpoint is written. The
// engine re-invokes the same task on resume; the function must encode its own
// progress into the data it merges.
type SuspendError struct {
	Update map[string]any
}

func (e *SuspendError) Error() string { return "task requested suspension" }

// Suspend builds the error value a task returns to pause its run.
func Suspend(update map[string]any) *SuspendError {
	return &SuspendError{Update: update}
}

// IsSuspend extracts a suspend request from a task error chain.
func IsSuspend(err error) (*SuspendError, bool) {
	var susp *SuspendError
	if errors.As(err, &susp) {
		return susp, true
	}

	return nil, false
}
