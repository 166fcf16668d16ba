// Package runner drives runs through their compiled graphs.
package runner

import (
	"errors"
	"fmt"
	"time"
)

// ErrConcurrencyConflict reports a lost compare-and-set race. It is not a
// user-facing failure; callers recover by re-reading current state and
// deciding whether their operation is still meaningful.
var ErrConcurrencyConflict = errors.New("status transition lost a race")

// Error kinds persisted in run metadata when a run fails.
const (
	ErrorKindRouting   = "routing_error"
	ErrorKindTask      = "task_execution_error"
	ErrorKindTimeout   = "timeout_error"
	ErrorKindReference = "unknown_reference_error"
)

// RoutingError reports a condition node none of whose guards matched.
type RoutingError struct {
	RunID  string
	NodeID string
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no route from condition node %s in run %s: %s", e.NodeID, e.RunID, e.Reason)
}

// TaskExecutionError wraps an error returned by a task function.
type TaskExecutionError struct {
	RunID     string
	NodeID    string
	Reference string
	Err       error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %q failed at node %s in run %s: %v", e.Reference, e.NodeID, e.RunID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports a task that exceeded its configured budget. The task
// goroutine may still be running; the engine does not kill it, it only stops
// waiting.
type TimeoutError struct {
	RunID     string
	NodeID    string
	Reference string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q at node %s in run %s exceeded its %s budget", e.Reference, e.NodeID, e.RunID, e.Timeout)
}
