// Package web provides the HTTP control surface for flows and runs.
package web

import "github.com/loomworks/loom/pkg/models"

// CreateFlowRequest is the body for creating a new flow container.
type CreateFlowRequest struct {
	Name        string         `json:"name"        validate:"required,min=3"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Owner       string         `json:"owner"`
}

// UpdateFlowRequest supports partial updates of flow metadata. Published
// versions are immutable and unaffected.
type UpdateFlowRequest struct {
	Name        *string        `json:"name,omitempty" validate:"omitempty,min=3"`
	Description *string        `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// PublishVersionRequest is the draft definition to snapshot as the flow's
// next immutable version.
type PublishVersionRequest struct {
	Nodes       []*models.NodeDefinition `json:"nodes"        validate:"required,min=2"`
	Edges       []*models.Edge           `json:"edges"        validate:"required,min=1"`
	Schedule    string                   `json:"schedule,omitempty"`
	InputSchema map[string]any           `json:"input_schema,omitempty"`
}

// StartRunRequest carries the initial run data and an optional caller-chosen
// run id. Supplying the id lets a client retry a start safely; a duplicate is
// rejected with a conflict.
type StartRunRequest struct {
	RunID string         `json:"run_id,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// ResumeRunRequest carries the optional data update merged over the restored
// checkpoint when the resume is applied.
type ResumeRunRequest struct {
	Update map[string]any `json:"update,omitempty"`
}

// SignalResponse acknowledges a queued control request. Queued means durably
// recorded, not yet applied; the run picks it up at its next safe point.
type SignalResponse struct {
	SignalID string `json:"signal_id"`
	RunID    string `json:"run_id"`
	Type     string `json:"type"`
	QueuedAt string `json:"queued_at"`
}
