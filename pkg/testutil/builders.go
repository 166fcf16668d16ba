// Package testutil provides test data builders shared across packages.
package testutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/pkg/models"
)

// CreateTestVersion creates a published linear version (start, one task,
// end) with default values that can be overridden.
func CreateTestVersion(overrides ...func(*models.FlowVersion)) *models.FlowVersion {
	now := time.Now().UTC()
	version := &models.FlowVersion{
		ID:      uuid.New().String(),
		FlowID:  uuid.New().String(),
		Version: 1,
		Nodes: []*models.NodeDefinition{
			{ID: "start", Kind: models.NodeKindStart},
			{ID: "work", Kind: models.NodeKindTask, Task: &models.TaskSpec{Reference: "noop"}},
			{ID: "end", Kind: models.NodeKindEnd},
		},
		Edges: []*models.Edge{
			{Source: "start", Target: "work"},
			{Source: "work", Target: "end"},
		},
		Published:   true,
		CreatedAt:   now,
		PublishedAt: &now,
	}

	for _, override := range overrides {
		override(version)
	}

	return version
}

// WithNodes replaces the version's nodes.
func WithNodes(nodes ...*models.NodeDefinition) func(*models.FlowVersion) {
	return func(v *models.FlowVersion) {
		v.Nodes = nodes
	}
}

// WithEdges replaces the version's edges.
func WithEdges(edges ...*models.Edge) func(*models.FlowVersion) {
	return func(v *models.FlowVersion) {
		v.Edges = edges
	}
}

// WithFlowID sets the parent flow id.
func WithFlowID(flowID string) func(*models.FlowVersion) {
	return func(v *models.FlowVersion) {
		v.FlowID = flowID
	}
}

// WithTaskReference rebinds every task node to the given reference.
func WithTaskReference(reference string) func(*models.FlowVersion) {
	return func(v *models.FlowVersion) {
		for _, node := range v.Nodes {
			if node.Kind == models.NodeKindTask {
				node.Task.Reference = reference
			}
		}
	}
}

// TaskNode builds a task node bound to reference.
func TaskNode(id, reference string) *models.NodeDefinition {
	return &models.NodeDefinition{
		ID:   id,
		Kind: models.NodeKindTask,
		Task: &models.TaskSpec{Reference: reference},
	}
}

// ConditionNode builds a condition node.
func ConditionNode(id string) *models.NodeDefinition {
	return &models.NodeDefinition{ID: id, Kind: models.NodeKindCondition}
}

// CreateTestFlow creates a flow container with defaults.
func CreateTestFlow(overrides ...func(*models.Flow)) *models.Flow {
	now := time.Now().UTC()
	flow := &models.Flow{
		ID:          uuid.New().String(),
		Name:        "Test Flow",
		Description: "A flow for testing",
		Owner:       "test-user",
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, override := range overrides {
		override(flow)
	}

	return flow
}

// CreateTestRun creates a pending run of the given version.
func CreateTestRun(version *models.FlowVersion, overrides ...func(*models.Run)) *models.Run {
	now := time.Now().UTC()
	run := &models.Run{
		ID:            uuid.New().String(),
		FlowID:        version.FlowID,
		FlowVersionID: version.ID,
		Status:        models.RunStatusPending,
		Data:          map[string]any{},
		CreatedAt:     now,
		LastEventAt:   now,
	}

	for _, override := range overrides {
		override(run)
	}

	return run
}

// WithStatus sets the run status.
func WithStatus(status models.RunStatus) func(*models.Run) {
	return func(r *models.Run) {
		r.Status = status
	}
}

// WithData sets the run data.
func WithData(data map[string]any) func(*models.Run) {
	return func(r *models.Run) {
		r.Data = data
	}
}
