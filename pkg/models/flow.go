// Package models defines the core domain models for durable flow execution.
package models

import "time"

// Flow is the editable container that published versions hang off.
type Flow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"        validate:"required,min=3"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Owner       string         `json:"owner"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
}

// FlowVersion is an immutable snapshot of a flow definition. Publishing
// creates one; it is never mutated afterwards, edits produce a new version.
type FlowVersion struct {
	ID          string            `json:"id"`
	FlowID      string            `json:"flow_id"   validate:"required"`
	Version     int               `json:"version"   validate:"gte=1"`
	Nodes       []*NodeDefinition `json:"nodes"     validate:"required,min=2,dive"`
	Edges       []*Edge           `json:"edges"     validate:"required,min=1,dive"`
	Published   bool              `json:"published"`
	Schedule    string            `json:"schedule,omitempty"`     // optional cron expression for automatic starts
	InputSchema map[string]any    `json:"input_schema,omitempty"` // optional JSON schema for run input
	CreatedAt   time.Time         `json:"created_at"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
}

// NodeKind enumerates the node types the compiler understands.
type NodeKind string

const (
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
	NodeKindTask      NodeKind = "task"
	NodeKindCondition NodeKind = "condition"
)

// NodeDefinition is one node of a flow definition.
type NodeDefinition struct {
	ID   string    `json:"id"   validate:"required"`
	Kind NodeKind  `json:"kind" validate:"required,oneof=start end task condition"`
	Name string    `json:"name,omitempty"`
	Task *TaskSpec `json:"task,omitempty"` // set when Kind == task
}

// TaskSpec binds a task node to a registered task function.
type TaskSpec struct {
	Reference string         `json:"reference" validate:"required"`
	Scope     string         `json:"scope,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Timeout   string         `json:"timeout,omitempty"` // Go duration string, e.g. "30s"; empty means none
}

// Edge connects two nodes. When is only meaningful on edges leaving a
// condition node; a nil When on such an edge marks the default branch.
type Edge struct {
	Source string     `json:"source" validate:"required"`
	Target string     `json:"target" validate:"required"`
	When   *Condition `json:"when,omitempty"`
}
