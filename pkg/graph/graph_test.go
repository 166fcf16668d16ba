package graph

import (
	"testing"

	"github.com/loomworks/loom/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearVersion() *models.FlowVersion {
	return &models.FlowVersion{
		ID: "v1",
		Nodes: []*models.NodeDefinition{
			{ID: "start", Kind: models.NodeKindStart},
			{ID: "work", Kind: models.NodeKindTask, Task: &models.TaskSpec{Reference: "noop"}},
			{ID: "end", Kind: models.NodeKindEnd},
		},
		Edges: []*models.Edge{
			{Source: "start", Target: "work"},
			{Source: "work", Target: "end"},
		},
	}
}

func TestCompile_LinearFlow(t *testing.T) {
	compiled, err := Compile(linearVersion())
	require.NoError(t, err)

	assert.Equal(t, "v1", compiled.VersionID())
	assert.Equal(t, "start", compiled.StartNode())
	assert.Equal(t, "work", compiled.EntryNode())

	node, ok := compiled.Node("work")
	require.True(t, ok)
	assert.Equal(t, models.NodeKindTask, node.Kind)

	edges := compiled.Outgoing("work")
	require.Len(t, edges, 1)
	assert.Equal(t, "end", edges[0].Target)
}

func TestCompile_ConditionBranches(t *testing.T) {
	version := &models.FlowVersion{
		ID: "v1",
		Nodes: []*models.NodeDefinition{
			{ID: "start", Kind: models.NodeKindStart},
			{ID: "route", Kind: models.NodeKindCondition},
			{ID: "high", Kind: models.NodeKindTask, Task: &models.TaskSpec{Reference: "noop"}},
			{ID: "low", Kind: models.NodeKindTask, Task: &models.TaskSpec{Reference: "noop"}},
			{ID: "end", Kind: models.NodeKindEnd},
		},
		Edges: []*models.Edge{
			{Source: "start", Target: "route"},
			{Source: "route", Target: "high", When: &models.Condition{Field: "amount", Op: "gt", Value: 100}},
			{Source: "route", Target: "low"},
			{Source: "high", Target: "end"},
			{Source: "low", Target: "end"},
		},
	}

	compiled, err := Compile(version)
	require.NoError(t, err)

	// Declared order must survive compilation; routing relies on it.
	edges := compiled.Outgoing("route")
	require.Len(t, edges, 2)
	assert.Equal(t, "high", edges[0].Target)
	assert.Equal(t, "low", edges[1].Target)
	assert.Nil(t, edges[1].When)
}

func TestCompile_CyclesArePermitted(t *testing.T) {
	version := &models.FlowVersion{
		ID: "v1",
		Nodes: []*models.NodeDefinition{
			{ID: "start", Kind: models.NodeKindStart},
			{ID: "poll", Kind: models.NodeKindTask, Task: &models.TaskSpec{Reference: "noop"}},
			{ID: "check", Kind: models.NodeKindCondition},
			{ID: "end", Kind: models.NodeKindEnd},
		},
		Edges: []*models.Edge{
			{Source: "start", Target: "poll"},
			{Source: "poll", Target: "check"},
			{Source: "check", Target: "poll", When: &models.Condition{Field: "done", Op: "ne", Value: true}},
			{Source: "check", Target: "end"},
		},
	}

	_, err := Compile(version)
	require.NoError(t, err)
}

func TestCompile_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.FlowVersion)
	}{
		{"duplicate node id", func(v *models.FlowVersion) {
			v.Nodes = append(v.Nodes, &models.NodeDefinition{ID: "work", Kind: models.NodeKindEnd})
		}},
		{"task without reference", func(v *models.FlowVersion) {
			v.Nodes[1].Task = &models.TaskSpec{}
		}},
		{"edge to unknown node", func(v *models.FlowVersion) {
			v.Edges = append(v.Edges, &models.Edge{Source: "work", Target: "ghost"})
		}},
		{"no start node", func(v *models.FlowVersion) {
			v.Nodes[0].Kind = models.NodeKindTask
			v.Nodes[0].Task = &models.TaskSpec{Reference: "noop"}
		}},
		{"two start nodes", func(v *models.FlowVersion) {
			v.Nodes = append(v.Nodes, &models.NodeDefinition{ID: "start2", Kind: models.NodeKindStart})
			v.Edges = append(v.Edges, &models.Edge{Source: "start2", Target: "work"})
		}},
		{"start with inbound edge", func(v *models.FlowVersion) {
			v.Edges = append(v.Edges, &models.Edge{Source: "work", Target: "start"})
		}},
		{"no end node", func(v *models.FlowVersion) {
			v.Nodes = v.Nodes[:2]
			v.Edges = v.Edges[:1]
		}},
		{"end with outgoing edge", func(v *models.FlowVersion) {
			v.Edges = append(v.Edges, &models.Edge{Source: "end", Target: "work"})
		}},
		{"task with two outgoing edges", func(v *models.FlowVersion) {
			v.Edges = append(v.Edges, &models.Edge{Source: "work", Target: "end"})
		}},
		{"unreachable node", func(v *models.FlowVersion) {
			v.Nodes = append(v.Nodes, &models.NodeDefinition{
				ID: "island", Kind: models.NodeKindTask, Task: &models.TaskSpec{Reference: "noop"},
			})
			v.Edges = append(v.Edges, &models.Edge{Source: "island", Target: "end"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version := linearVersion()
			tt.mutate(version)

			_, err := Compile(version)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCompile_ConditionEdgeRules(t *testing.T) {
	base := func() *models.FlowVersion {
		return &models.FlowVersion{
			ID: "v1",
			Nodes: []*models.NodeDefinition{
				{ID: "start", Kind: models.NodeKindStart},
				{ID: "route", Kind: models.NodeKindCondition},
				{ID: "a", Kind: models.NodeKindTask, Task: &models.TaskSpec{Reference: "noop"}},
				{ID: "end", Kind: models.NodeKindEnd},
			},
			Edges: []*models.Edge{
				{Source: "start", Target: "route"},
				{Source: "route", Target: "a", When: &models.Condition{Field: "x", Op: "exists"}},
				{Source: "route", Target: "end"},
				{Source: "a", Target: "end"},
			},
		}
	}

	_, err := Compile(base())
	require.NoError(t, err)

	// Guard on the final edge: no default branch left.
	guardedLast := base()
	guardedLast.Edges[2].When = &models.Condition{Field: "y", Op: "exists"}
	_, err = Compile(guardedLast)
	require.Error(t, err)

	// Unguarded edge before the last.
	unguardedMiddle := base()
	unguardedMiddle.Edges[1].When = nil
	_, err = Compile(unguardedMiddle)
	require.Error(t, err)

	// Invalid guard expression.
	badGuard := base()
	badGuard.Edges[1].When = &models.Condition{Field: "x", Op: "matches"}
	_, err = Compile(badGuard)
	require.Error(t, err)

	// Condition node with no edges at all.
	orphan := base()
	orphan.Edges = []*models.Edge{
		{Source: "start", Target: "route"},
		{Source: "a", Target: "end"},
	}
	_, err = Compile(orphan)
	require.Error(t, err)
}
