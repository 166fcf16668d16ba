package models

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are
// immutable once entered.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Every status write in the engine goes through a compare-and-set that
// consults this.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusCancelled
	case RunStatusRunning:
		return next == RunStatusPaused || next == RunStatusCompleted ||
			next == RunStatusFailed || next == RunStatusCancelled
	case RunStatusPaused:
		return next == RunStatusRunning || next == RunStatusCancelled
	default:
		return false
	}
}

// Run is one execution instance of a published flow version. It is mutated
// only by the run controller and by control-signal application.
type Run struct {
	ID            string         `json:"id"`
	FlowID        string         `json:"flow_id"`
	FlowVersionID string         `json:"flow_version_id" validate:"required"`
	Status        RunStatus      `json:"status"`
	CurrentNode   string         `json:"current_node"`
	Data          map[string]any `json:"data,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	LastEventAt   time.Time      `json:"last_event_at"`
}

// Metadata keys written by the controller when a run fails.
const (
	MetaErrorKind    = "error_kind"
	MetaErrorMessage = "error_message"
	MetaErrorNode    = "error_node"
)
