package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/eventbus"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// DefaultPollInterval is how often the manager sweeps the store for pending
// runs and queued control signals.
const DefaultPollInterval = 500 * time.Millisecond

// Manager owns a worker's run loop: it sweeps the store for dispatchable
// work, wins ownership through compare-and-set transitions, and drives each
// owned run on its own goroutine. Runs a controller is actively executing
// consume their own signals at safe points; the manager handles signals for
// runs nothing is executing (pending and paused).
type Manager struct {
	store        store.Store
	controller   *Controller
	bus          eventbus.EventBus
	logger       *slog.Logger
	workerID     string
	pollInterval time.Duration

	wg sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

func NewManager(st store.Store, controller *Controller, bus eventbus.EventBus, logger *slog.Logger, workerID string, pollInterval time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &Manager{
		store:        st,
		controller:   controller,
		bus:          bus,
		logger:       logger.With("module", "runner", "worker_id", workerID),
		workerID:     workerID,
		pollInterval: pollInterval,
		active:       make(map[string]struct{}),
	}
}

// Start polls until ctx is cancelled, then waits for in-flight runs to reach
// a safe point and park.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("Run manager starting", "poll_interval", m.pollInterval)

	m.sweep(ctx)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Run manager stopping, waiting for in-flight runs")
			m.wg.Wait()

			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.applyCancellations(ctx)
	m.applyResumes(ctx)
	m.adoptRunning(ctx)
	m.dispatchPending(ctx)
}

// adoptRunning re-adopts runs sitting in running state with no live
// controller: runs orphaned by a worker crash, and runs whose step aborted
// on a persistence error. It runs on every sweep, so an aborted step is
// retried at the next scheduling opportunity rather than on restart only.
// The active set keeps it from adopting a run this worker is already
// driving; the latest checkpoint makes re-execution of the current node
// safe.
func (m *Manager) adoptRunning(ctx context.Context) {
	runs, err := m.store.Runs().ListRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		m.logger.Error("Failed to list running runs", "error", err)

		return
	}

	for _, run := range runs {
		if !m.acquire(run.ID) {
			continue
		}

		m.logger.Info("Adopting unowned running run", "run_id", run.ID, "current_node", run.CurrentNode)
		m.launch(ctx, run.ID)
	}
}

// dispatchPending claims pending runs through a pending to running
// compare-and-set, so two managers sharing a store never both adopt one.
func (m *Manager) dispatchPending(ctx context.Context) {
	runs, err := m.store.Runs().ListRunsByStatus(ctx, models.RunStatusPending)
	if err != nil {
		m.logger.Error("Failed to list pending runs", "error", err)

		return
	}

	for _, run := range runs {
		if !m.acquire(run.ID) {
			continue
		}

		won, err := m.store.Runs().TransitionStatus(ctx, run.ID, models.RunStatusPending, models.RunStatusRunning, nil)
		if err != nil || !won {
			m.release(run.ID)

			if err != nil {
				m.logger.Error("Failed to claim pending run", "run_id", run.ID, "error", err)
			}

			continue
		}

		m.publish(ctx, events.RunStarted{
			BaseEvent: m.baseEvent(events.RunStartedEvent, run),
			Input:     run.Data,
		})

		m.logger.Info("Dispatching run", "run_id", run.ID, "flow_version_id", run.FlowVersionID)
		m.launch(ctx, run.ID)
	}
}

// applyResumes claims queued resume requests for paused runs. The claim is
// the single-winner point: once this manager owns the signal it restores the
// latest checkpoint, merges the request's update on top and moves the run
// back to running. Resume signals for runs in any other state stay queued
// until the run pauses or reaches a terminal state.
func (m *Manager) applyResumes(ctx context.Context) {
	runIDs, err := m.store.Signals().PendingSignalRuns(ctx, models.SignalResumeRequest)
	if err != nil {
		m.logger.Error("Failed to list runs with resume requests", "error", err)

		return
	}

	for _, runID := range runIDs {
		run, err := m.store.Runs().RunByID(ctx, runID)
		if err != nil {
			m.logger.Error("Failed to load run for resume", "run_id", runID, "error", err)

			continue
		}

		if run.Status != models.RunStatusPaused {
			continue
		}

		if !m.acquire(run.ID) {
			continue
		}

		if resumed := m.resume(ctx, run); !resumed {
			m.release(run.ID)
		}
	}
}

func (m *Manager) resume(ctx context.Context, run *models.Run) bool {
	signal, err := m.store.Signals().ClaimSignal(ctx, run.ID, models.SignalResumeRequest)
	if err != nil || signal == nil {
		if err != nil {
			m.logger.Error("Failed to claim resume signal", "run_id", run.ID, "error", err)
		}

		return false
	}

	nodeID := run.CurrentNode
	data := run.Data

	checkpoint, err := m.store.Checkpoints().LatestCheckpoint(ctx, run.ID)

	switch {
	case err == nil:
		nodeID = checkpoint.NodeID
		data = checkpoint.Data
	case errors.Is(err, store.ErrCheckpointNotFound):
		// Paused before any checkpoint existed; resume from the run's
		// own progress.
	default:
		m.logger.Error("Failed to load checkpoint for resume", "run_id", run.ID, "error", err)

		return false
	}

	merged, err := mergeData(data, signal.Payload)
	if err != nil {
		m.logger.Error("Failed to merge resume update", "run_id", run.ID, "signal_id", signal.ID, "error", err)

		return false
	}

	won, err := m.store.Runs().TransitionStatus(ctx, run.ID, models.RunStatusPaused, models.RunStatusRunning, nil)
	if err != nil || !won {
		if err != nil {
			m.logger.Error("Failed to transition run for resume", "run_id", run.ID, "error", err)
		}

		return false
	}

	if err := m.store.Runs().UpdateProgress(ctx, run.ID, models.RunStatusRunning, nodeID, merged); err != nil {
		m.logger.Error("Failed to restore run progress on resume", "run_id", run.ID, "error", err)

		return false
	}

	m.publish(ctx, events.RunResumed{
		BaseEvent: m.baseEvent(events.RunResumedEvent, run),
		NodeID:    nodeID,
		Update:    signal.Payload,
	})

	m.logger.Info("Resuming run", "run_id", run.ID, "node_id", nodeID, "signal_id", signal.ID)
	m.launch(ctx, run.ID)

	return true
}

// applyCancellations handles cancel requests for runs no controller is
// driving: pending runs and paused runs. Cancel requests for running runs
// are consumed by their controller at the next safe point. Signals for runs
// already terminal are left unclaimed.
func (m *Manager) applyCancellations(ctx context.Context) {
	runIDs, err := m.store.Signals().PendingSignalRuns(ctx, models.SignalCancelRequest)
	if err != nil {
		m.logger.Error("Failed to list runs with cancel requests", "error", err)

		return
	}

	for _, runID := range runIDs {
		run, err := m.store.Runs().RunByID(ctx, runID)
		if err != nil {
			m.logger.Error("Failed to load run for cancellation", "run_id", runID, "error", err)

			continue
		}

		if run.Status != models.RunStatusPending && run.Status != models.RunStatusPaused {
			continue
		}

		signal, err := m.store.Signals().ClaimSignal(ctx, run.ID, models.SignalCancelRequest)
		if err != nil || signal == nil {
			if err != nil {
				m.logger.Error("Failed to claim cancel signal", "run_id", run.ID, "error", err)
			}

			continue
		}

		won, err := m.store.Runs().TransitionStatus(ctx, run.ID, run.Status, models.RunStatusCancelled, nil)
		if err != nil || !won {
			if err != nil {
				m.logger.Error("Failed to cancel run", "run_id", run.ID, "error", err)
			}

			continue
		}

		m.publish(ctx, events.RunCancelled{
			BaseEvent: m.baseEvent(events.RunCancelledEvent, run),
			NodeID:    run.CurrentNode,
		})

		m.logger.Info("Run cancelled", "run_id", run.ID, "was", run.Status, "signal_id", signal.ID)
	}
}

func (m *Manager) launch(ctx context.Context, runID string) {
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer m.release(runID)

		if err := m.controller.Execute(ctx, runID); err != nil {
			m.logger.Error("Run execution aborted", "run_id", runID, "error", err)
		}
	}()
}

func (m *Manager) acquire(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.active[runID]; busy {
		return false
	}

	m.active[runID] = struct{}{}

	return true
}

func (m *Manager) release(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, runID)
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if m.bus == nil {
		return
	}

	if err := m.bus.Publish(ctx, event.GetRunID(), event); err != nil {
		m.logger.Warn("Failed to publish event", "run_id", event.GetRunID(), "event_type", event.GetType(), "error", err)
	}
}

func (m *Manager) baseEvent(eventType events.EventType, run *models.Run) events.BaseEvent {
	return events.BaseEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		RunID:         run.ID,
		FlowID:        run.FlowID,
		FlowVersionID: run.FlowVersionID,
		WorkerID:      m.workerID,
	}
}
