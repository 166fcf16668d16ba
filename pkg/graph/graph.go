// Package graph compiles flow definitions into immutable executable graphs.
package graph

import (
	"errors"
	"fmt"

	"github.com/loomworks/loom/pkg/models"
)

// ErrValidation is the sentinel wrapped by every ValidationError.
var ErrValidation = errors.New("flow definition is invalid")

// ValidationError reports a structural problem in a flow definition,
// detected at compile time. It never reaches a run.
type ValidationError struct {
	FlowVersionID string
	NodeID        string
	Reason        string
}

func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("invalid flow version %s: node %q: %s", e.FlowVersionID, e.NodeID, e.Reason)
	}

	return fmt.Sprintf("invalid flow version %s: %s", e.FlowVersionID, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CompiledGraph is an immutable adjacency structure keyed by node id. It is
// used only for lookup by the run controller and never mutates run state.
type CompiledGraph struct {
	versionID string
	nodes     map[string]*models.NodeDefinition
	outgoing  map[string][]*models.Edge // declared order preserved
	startID   string
}

// VersionID returns the flow version this graph was compiled from.
func (g *CompiledGraph) VersionID() string { return g.versionID }

// Node looks up a node definition by id.
func (g *CompiledGraph) Node(id string) (*models.NodeDefinition, bool) {
	node, ok := g.nodes[id]

	return node, ok
}

// Outgoing returns the outgoing edges of a node in declared order.
func (g *CompiledGraph) Outgoing(id string) []*models.Edge {
	return g.outgoing[id]
}

// StartNode returns the id of the unique start node.
func (g *CompiledGraph) StartNode() string { return g.startID }

// EntryNode returns the first node a run actually executes: the target of
// the start node's first edge.
func (g *CompiledGraph) EntryNode() string {
	return g.outgoing[g.startID][0].Target
}

// Compile validates a flow version and produces its executable graph. It is
// pure and side-effect-free. Cycles are explicitly permitted so that
// long-running task nodes can re-enter themselves.
func Compile(version *models.FlowVersion) (*CompiledGraph, error) {
	fail := func(nodeID, reason string) (*CompiledGraph, error) {
		return nil, &ValidationError{FlowVersionID: version.ID, NodeID: nodeID, Reason: reason}
	}

	if len(version.Nodes) == 0 {
		return fail("", "definition has no nodes")
	}

	nodes := make(map[string]*models.NodeDefinition, len(version.Nodes))
	for _, node := range version.Nodes {
		if _, dup := nodes[node.ID]; dup {
			return fail(node.ID, "duplicate node id")
		}

		if node.Kind == models.NodeKindTask && (node.Task == nil || node.Task.Reference == "") {
			return fail(node.ID, "task node has no task reference")
		}

		nodes[node.ID] = node
	}

	outgoing := make(map[string][]*models.Edge)
	inbound := make(map[string]int)

	for _, edge := range version.Edges {
		if _, ok := nodes[edge.Source]; !ok {
			return fail(edge.Source, "edge source references unknown node")
		}

		if _, ok := nodes[edge.Target]; !ok {
			return fail(edge.Target, "edge target references unknown node")
		}

		outgoing[edge.Source] = append(outgoing[edge.Source], edge)
		inbound[edge.Target]++
	}

	var startID string

	endCount := 0

	for _, node := range version.Nodes {
		switch node.Kind {
		case models.NodeKindStart:
			if startID != "" {
				return fail(node.ID, "more than one start node")
			}

			if inbound[node.ID] > 0 {
				return fail(node.ID, "start node has inbound edges")
			}

			if len(outgoing[node.ID]) == 0 {
				return fail(node.ID, "start node has no outgoing edge")
			}

			startID = node.ID
		case models.NodeKindEnd:
			endCount++

			if len(outgoing[node.ID]) > 0 {
				return fail(node.ID, "end node has outgoing edges")
			}
		case models.NodeKindTask:
			if len(outgoing[node.ID]) != 1 {
				return fail(node.ID, "task node must have exactly one outgoing edge")
			}
		case models.NodeKindCondition:
			if err := validateConditionEdges(outgoing[node.ID]); err != nil {
				return fail(node.ID, err.Error())
			}
		default:
			return fail(node.ID, fmt.Sprintf("unknown node kind %q", node.Kind))
		}
	}

	if startID == "" {
		return fail("", "definition has no start node")
	}

	if endCount == 0 {
		return fail("", "definition has no end node")
	}

	for _, node := range version.Nodes {
		if node.Kind != models.NodeKindStart && inbound[node.ID] == 0 {
			return fail(node.ID, "node is unreachable, no inbound edges")
		}
	}

	if !endReachable(startID, nodes, outgoing) {
		return fail(startID, "no end node is reachable from start")
	}

	return &CompiledGraph{
		versionID: version.ID,
		nodes:     nodes,
		outgoing:  outgoing,
		startID:   startID,
	}, nil
}

// validateConditionEdges requires the guard set to be exhaustive: every edge
// but the last carries a guard, and the last is the unconditional default.
func validateConditionEdges(edges []*models.Edge) error {
	if len(edges) == 0 {
		return errors.New("condition node has no outgoing edges")
	}

	for i, edge := range edges {
		last := i == len(edges)-1

		if last {
			if edge.When != nil {
				return errors.New("last outgoing edge of a condition node must be the unguarded default")
			}

			continue
		}

		if edge.When == nil {
			return errors.New("only the last outgoing edge of a condition node may omit its guard")
		}

		if err := edge.When.Validate(); err != nil {
			return fmt.Errorf("invalid guard on edge to %q: %w", edge.Target, err)
		}
	}

	return nil
}

// endReachable walks the graph from start; cycles are fine, visited nodes
// are skipped.
func endReachable(startID string, nodes map[string]*models.NodeDefinition, outgoing map[string][]*models.Edge) bool {
	visited := make(map[string]bool, len(nodes))
	stack := []string{startID}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[id] {
			continue
		}

		visited[id] = true

		if nodes[id].Kind == models.NodeKindEnd {
			return true
		}

		for _, edge := range outgoing[id] {
			stack = append(stack, edge.Target)
		}
	}

	return false
}
