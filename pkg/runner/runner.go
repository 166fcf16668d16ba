package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/eventbus"
	"github.com/loomworks/loom/pkg/graph"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/otelhelper"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Controller executes runs node by node. Each run is driven by exactly one
// controller goroutine at a time; coordination with external control
// requests happens only through the durable store's atomic primitives, never
// through in-process locks shared across run loops.
type Controller struct {
	store    store.Store
	registry *registry.Registry
	bus      eventbus.EventBus
	logger   *slog.Logger
	tracer   trace.Tracer
	workerID string
}

func NewController(st store.Store, reg *registry.Registry, bus eventbus.EventBus, logger *slog.Logger, tracer trace.Tracer, workerID string) *Controller {
	return &Controller{
		store:    st,
		registry: reg,
		bus:      bus,
		logger:   logger,
		tracer:   tracer,
		workerID: workerID,
	}
}

// Execute drives a run the caller already owns (status running, won through
// a compare-and-set) until it suspends, completes, fails or is cancelled.
// A returned error means a persistence failure aborted the current step
// without corrupting durable state; the caller retries at its next
// scheduling opportunity.
func (c *Controller) Execute(ctx context.Context, runID string) error {
	run, err := c.store.Runs().RunByID(ctx, runID)
	if err != nil {
		return &store.PersistenceError{Op: "Execute", RunID: runID, Err: err}
	}

	logger := c.logger.With("run_id", run.ID, "flow_version_id", run.FlowVersionID)

	if run.Status != models.RunStatusRunning {
		logger.Warn("Refusing to execute run not owned by this controller", "status", run.Status)

		return ErrConcurrencyConflict
	}

	version, err := c.store.Flows().VersionByID(ctx, run.FlowVersionID)
	if err != nil {
		return &store.PersistenceError{Op: "Execute", RunID: runID, Err: err}
	}

	compiled, err := graph.Compile(version)
	if err != nil {
		// Published versions are validated; reaching this means the
		// stored definition was corrupted.
		c.failRun(ctx, run, run.CurrentNode, ErrorKindRouting, err)

		return nil
	}

	data := run.Data
	if data == nil {
		data = make(map[string]any)
	}

	current := run.CurrentNode
	if current == "" {
		current = compiled.EntryNode()
	}

	sequence, err := c.latestSequence(ctx, run.ID)
	if err != nil {
		return err
	}

	logger.Info("Executing run", "current_node", current, "checkpoint_sequence", sequence)

	for {
		// Safe point: apply pending control signals before the node.
		// Cancellation wins over pausing.
		stopped, err := c.applySignals(ctx, run, current, data, &sequence)
		if err != nil {
			return err
		}

		if stopped {
			return nil
		}

		node, ok := compiled.Node(current)
		if !ok {
			c.failRun(ctx, run, current, ErrorKindRouting,
				&RoutingError{RunID: run.ID, NodeID: current, Reason: "node not in compiled graph"})

			return nil
		}

		outcome, err := c.executeNode(ctx, compiled, run, node, data, &sequence)
		if err != nil {
			return err
		}

		switch outcome.kind {
		case outcomeContinue:
			data = outcome.data

			if err := c.store.Runs().UpdateProgress(ctx, run.ID, models.RunStatusRunning, outcome.nextNode, data); err != nil {
				if errors.Is(err, store.ErrRunNotOwned) {
					logger.Warn("Run ownership lost while advancing", "node_id", node.ID)

					return ErrConcurrencyConflict
				}

				return &store.PersistenceError{Op: "UpdateProgress", RunID: run.ID, NodeID: node.ID, Err: err}
			}

			c.publish(ctx, events.NodeFinished{
				BaseEvent: c.baseEvent(events.NodeFinishedEvent, run),
				NodeID:    node.ID,
				NodeKind:  node.Kind,
				NextNode:  outcome.nextNode,
			})

			current = outcome.nextNode

		case outcomeSuspended:
			if ok := c.transition(ctx, run.ID, models.RunStatusRunning, models.RunStatusPaused, nil); !ok {
				return ErrConcurrencyConflict
			}

			c.publish(ctx, events.RunPaused{
				BaseEvent:          c.baseEvent(events.RunPausedEvent, run),
				NodeID:             node.ID,
				CheckpointSequence: sequence,
			})

			logger.Info("Run suspended by task", "node_id", node.ID, "checkpoint_sequence", sequence)

			return nil

		case outcomeCompleted:
			if err := c.store.Runs().UpdateProgress(ctx, run.ID, models.RunStatusRunning, node.ID, outcome.data); err != nil {
				return &store.PersistenceError{Op: "UpdateProgress", RunID: run.ID, NodeID: node.ID, Err: err}
			}

			if ok := c.transition(ctx, run.ID, models.RunStatusRunning, models.RunStatusCompleted, nil); !ok {
				return ErrConcurrencyConflict
			}

			c.publish(ctx, events.RunCompleted{
				BaseEvent: c.baseEvent(events.RunCompletedEvent, run),
				Data:      outcome.data,
				Duration:  c.runDuration(run),
			})

			logger.Info("Run completed", "end_node", node.ID)

			return nil

		case outcomeFailed:
			c.failRun(ctx, run, node.ID, outcome.errKind, outcome.err)

			return nil
		}
	}
}

// applySignals claims at most one pending control signal at the safe point.
// Cancel requests are claimed before pause requests regardless of queue
// order, so cancellation wins when both are waiting. It returns true when
// the run loop should stop.
func (c *Controller) applySignals(ctx context.Context, run *models.Run, current string, data map[string]any, sequence *int) (bool, error) {
	signal, err := c.store.Signals().ClaimSignal(ctx, run.ID, models.SignalCancelRequest)
	if err != nil {
		return false, &store.PersistenceError{Op: "ClaimSignal", RunID: run.ID, NodeID: current, Err: err}
	}

	if signal == nil {
		signal, err = c.store.Signals().ClaimSignal(ctx, run.ID, models.SignalPauseRequest)
		if err != nil {
			return false, &store.PersistenceError{Op: "ClaimSignal", RunID: run.ID, NodeID: current, Err: err}
		}
	}

	if signal == nil {
		return false, nil
	}

	switch signal.Type {
	case models.SignalCancelRequest:
		if ok := c.transition(ctx, run.ID, models.RunStatusRunning, models.RunStatusCancelled, nil); !ok {
			return true, ErrConcurrencyConflict
		}

		c.publish(ctx, events.RunCancelled{
			BaseEvent: c.baseEvent(events.RunCancelledEvent, run),
			NodeID:    current,
		})

		c.logger.Info("Run cancelled", "run_id", run.ID, "node_id", current, "signal_id", signal.ID)

		return true, nil

	case models.SignalPauseRequest:
		if err := c.writeCheckpoint(ctx, run.ID, current, data, sequence); err != nil {
			return true, err
		}

		if ok := c.transition(ctx, run.ID, models.RunStatusRunning, models.RunStatusPaused, nil); !ok {
			return true, ErrConcurrencyConflict
		}

		c.publish(ctx, events.RunPaused{
			BaseEvent:          c.baseEvent(events.RunPausedEvent, run),
			NodeID:             current,
			CheckpointSequence: *sequence,
		})

		c.logger.Info("Run paused", "run_id", run.ID, "node_id", current, "signal_id", signal.ID)

		return true, nil

	default:
		// Resume signals are consumed by the worker manager, not here.
		return false, nil
	}
}

// executeNode runs one node to its step outcome. A non-nil error is a
// persistence failure, never a task failure.
func (c *Controller) executeNode(ctx context.Context, compiled *graph.CompiledGraph, run *models.Run, node *models.NodeDefinition, data map[string]any, sequence *int) (stepOutcome, error) {
	switch node.Kind {
	case models.NodeKindStart:
		return continueAt(compiled.Outgoing(node.ID)[0].Target, data), nil

	case models.NodeKindEnd:
		return completed(data), nil

	case models.NodeKindCondition:
		return c.routeCondition(run, node, compiled.Outgoing(node.ID), data), nil

	case models.NodeKindTask:
		return c.executeTask(ctx, compiled, run, node, data, sequence)

	default:
		return failed(ErrorKindRouting,
			&RoutingError{RunID: run.ID, NodeID: node.ID, Reason: fmt.Sprintf("unknown node kind %q", node.Kind)}), nil
	}
}

// routeCondition takes the first outgoing edge whose guard evaluates true,
// in declared order; the unguarded default edge always matches. Condition
// nodes are side-effect-free, so no checkpoint is written.
func (c *Controller) routeCondition(run *models.Run, node *models.NodeDefinition, edges []*models.Edge, data map[string]any) stepOutcome {
	for _, edge := range edges {
		if edge.When == nil {
			return continueAt(edge.Target, data)
		}

		matched, err := edge.When.Evaluate(data)
		if err != nil {
			return failed(ErrorKindRouting, &RoutingError{RunID: run.ID, NodeID: node.ID, Reason: err.Error()})
		}

		if matched {
			return continueAt(edge.Target, data)
		}
	}

	return failed(ErrorKindRouting,
		&RoutingError{RunID: run.ID, NodeID: node.ID, Reason: "no guard matched and no default edge"})
}

func (c *Controller) executeTask(ctx context.Context, compiled *graph.CompiledGraph, run *models.Run, node *models.NodeDefinition, data map[string]any, sequence *int) (stepOutcome, error) {
	logger := log.WithRun(c.logger, run.ID, node.ID)

	c.publish(ctx, events.NodeStarted{
		BaseEvent: c.baseEvent(events.NodeStartedEvent, run),
		NodeID:    node.ID,
		NodeKind:  node.Kind,
	})

	spanCtx := ctx

	var span trace.Span

	if c.tracer != nil {
		spanCtx, span = otelhelper.StartSpan(ctx, c.tracer, "loom.task",
			attribute.String(otelhelper.RunIDKey, run.ID),
			attribute.String(otelhelper.NodeIDKey, node.ID),
			attribute.String(otelhelper.TaskReferenceKey, node.Task.Reference),
		)
		defer span.End()
	}

	update, err := c.invokeTask(spanCtx, run, node, data, logger)

	if susp, isSuspend := registry.IsSuspend(err); isSuspend {
		merged, mergeErr := mergeData(data, susp.Update)
		if mergeErr != nil {
			return failed(ErrorKindTask, mergeErr), nil
		}

		if err := c.writeCheckpoint(ctx, run.ID, node.ID, merged, sequence); err != nil {
			return stepOutcome{}, err
		}

		// The checkpoint stays at this node: resumption re-invokes the
		// same task with the merged data.
		if err := c.store.Runs().UpdateProgress(ctx, run.ID, models.RunStatusRunning, node.ID, merged); err != nil {
			return stepOutcome{}, &store.PersistenceError{Op: "UpdateProgress", RunID: run.ID, NodeID: node.ID, Err: err}
		}

		return suspended(merged), nil
	}

	if err != nil {
		if span != nil {
			otelhelper.SetError(span, err)
		}

		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			return failed(ErrorKindTimeout, err), nil
		}

		if errors.Is(err, registry.ErrUnknownTask) {
			return failed(ErrorKindReference, err), nil
		}

		return failed(ErrorKindTask,
			&TaskExecutionError{RunID: run.ID, NodeID: node.ID, Reference: node.Task.Reference, Err: err}), nil
	}

	merged, err := mergeData(data, update)
	if err != nil {
		return failed(ErrorKindTask, err), nil
	}

	if err := c.writeCheckpoint(ctx, run.ID, node.ID, merged, sequence); err != nil {
		return stepOutcome{}, err
	}

	return continueAt(compiled.Outgoing(node.ID)[0].Target, merged), nil
}

// invokeTask resolves and calls the task function, enforcing the node's
// optional timeout. On timeout the task goroutine is left running, since the
// engine offers no preemptive kill, but its eventual result is discarded.
func (c *Controller) invokeTask(ctx context.Context, run *models.Run, node *models.NodeDefinition, data map[string]any, logger *slog.Logger) (map[string]any, error) {
	fn, err := c.registry.Resolve(node.Task.Reference, node.Task.Scope)
	if err != nil {
		return nil, err
	}

	tc := registry.TaskContext{
		RunID:  run.ID,
		NodeID: node.ID,
		Args:   node.Task.Args,
		Data:   data,
		Logger: logger,
	}

	if node.Task.Timeout == "" {
		return fn(ctx, tc)
	}

	budget, err := time.ParseDuration(node.Task.Timeout)
	if err != nil {
		return nil, &TaskExecutionError{RunID: run.ID, NodeID: node.ID, Reference: node.Task.Reference,
			Err: fmt.Errorf("invalid timeout %q: %w", node.Task.Timeout, err)}
	}

	taskCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type taskResult struct {
		update map[string]any
		err    error
	}

	results := make(chan taskResult, 1)

	go func() {
		update, err := fn(taskCtx, tc)
		results <- taskResult{update: update, err: err}
	}()

	select {
	case result := <-results:
		return result.update, result.err
	case <-taskCtx.Done():
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{RunID: run.ID, NodeID: node.ID, Reference: node.Task.Reference, Timeout: budget}
		}

		return nil, taskCtx.Err()
	}
}

func (c *Controller) writeCheckpoint(ctx context.Context, runID, nodeID string, data map[string]any, sequence *int) error {
	checkpoint := &models.Checkpoint{
		RunID:     runID,
		Sequence:  *sequence + 1,
		NodeID:    nodeID,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	if err := c.store.Checkpoints().AppendCheckpoint(ctx, checkpoint); err != nil {
		return &store.PersistenceError{Op: "AppendCheckpoint", RunID: runID, NodeID: nodeID, Err: err}
	}

	*sequence++

	return nil
}

func (c *Controller) latestSequence(ctx context.Context, runID string) (int, error) {
	checkpoint, err := c.store.Checkpoints().LatestCheckpoint(ctx, runID)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, &store.PersistenceError{Op: "LatestCheckpoint", RunID: runID, Err: err}
	}

	return checkpoint.Sequence, nil
}

func (c *Controller) failRun(ctx context.Context, run *models.Run, nodeID, errKind string, cause error) {
	metadata := map[string]any{
		models.MetaErrorKind:    errKind,
		models.MetaErrorMessage: cause.Error(),
		models.MetaErrorNode:    nodeID,
	}

	if ok := c.transition(ctx, run.ID, models.RunStatusRunning, models.RunStatusFailed, metadata); !ok {
		return
	}

	c.publish(ctx, events.RunFailed{
		BaseEvent: c.baseEvent(events.RunFailedEvent, run),
		NodeID:    nodeID,
		ErrorKind: errKind,
		Error:     cause.Error(),
	})

	c.logger.Error("Run failed", "run_id", run.ID, "node_id", nodeID, "error_kind", errKind, "error", cause)
}

func (c *Controller) transition(ctx context.Context, runID string, from, to models.RunStatus, metadata map[string]any) bool {
	ok, err := c.store.Runs().TransitionStatus(ctx, runID, from, to, metadata)
	if err != nil {
		c.logger.Error("Status transition failed", "run_id", runID, "from", from, "to", to, "error", err)

		return false
	}

	if !ok {
		c.logger.Warn("Status transition lost a race", "run_id", runID, "from", from, "to", to)
	}

	return ok
}

// publish sends an event best-effort; a bus failure never affects the run's
// durable state.
func (c *Controller) publish(ctx context.Context, event events.Event) {
	if c.bus == nil {
		return
	}

	if err := c.bus.Publish(ctx, event.GetRunID(), event); err != nil {
		c.logger.Warn("Failed to publish event", "run_id", event.GetRunID(), "event_type", event.GetType(), "error", err)
	}
}

func (c *Controller) baseEvent(eventType events.EventType, run *models.Run) events.BaseEvent {
	return events.BaseEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		RunID:         run.ID,
		FlowID:        run.FlowID,
		FlowVersionID: run.FlowVersionID,
		WorkerID:      c.workerID,
	}
}

func (c *Controller) runDuration(run *models.Run) time.Duration {
	if run.StartedAt == nil {
		return 0
	}

	return time.Since(*run.StartedAt)
}

func mergeData(data, update map[string]any) (map[string]any, error) {
	if len(update) == 0 {
		return data, nil
	}

	if data == nil {
		data = make(map[string]any)
	}

	if err := mergo.Merge(&data, update, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge task update: %w", err)
	}

	return data, nil
}
