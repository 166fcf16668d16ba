// Package memory provides an in-process implementation of the durable-store
// contract, used for tests and throwaway local runs. A single mutex stands in
// for the transactional primitives a real store provides; the atomicity
// guarantees of the contract hold within one process.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// Store implements store.Store backed by maps.
type Store struct {
	mu          sync.Mutex
	flows       map[string]*models.Flow
	versions    map[string]*models.FlowVersion
	runs        map[string]*models.Run
	signals     map[string]*models.Signal
	checkpoints map[string][]*models.Checkpoint // keyed by run id, ascending sequence
}

func NewStore() *Store {
	return &Store{
		flows:       make(map[string]*models.Flow),
		versions:    make(map[string]*models.FlowVersion),
		runs:        make(map[string]*models.Run),
		signals:     make(map[string]*models.Signal),
		checkpoints: make(map[string][]*models.Checkpoint),
	}
}

func (s *Store) Flows() store.FlowRepository             { return (*flowRepository)(s) }
func (s *Store) Runs() store.RunRepository               { return (*runRepository)(s) }
func (s *Store) Signals() store.SignalRepository         { return (*signalRepository)(s) }
func (s *Store) Checkpoints() store.CheckpointRepository { return (*checkpointRepository)(s) }

func (s *Store) HealthCheck(_ context.Context) error { return nil }

func (s *Store) Close(_ context.Context) error { return nil }

// clone deep-copies a value through JSON so callers never share memory with
// the store, mirroring what a real durable store would do over the wire.
func clone[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}

	return out
}

type flowRepository Store

func (r *flowRepository) SaveFlow(_ context.Context, flow *models.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flows[flow.ID] = clone(flow)

	return nil
}

func (r *flowRepository) FlowByID(_ context.Context, id string) (*models.Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	flow, ok := r.flows[id]
	if !ok {
		return nil, store.ErrFlowNotFound
	}

	return clone(flow), nil
}

func (r *flowRepository) ListFlows(_ context.Context) ([]*models.Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	flows := make([]*models.Flow, 0, len(r.flows))
	for _, flow := range r.flows {
		flows = append(flows, clone(flow))
	}

	sort.Slice(flows, func(i, j int) bool { return flows[i].CreatedAt.Before(flows[j].CreatedAt) })

	return flows, nil
}

func (r *flowRepository) SaveVersion(_ context.Context, version *models.FlowVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.versions[version.ID]; exists {
		return store.ErrVersionExists
	}

	r.versions[version.ID] = clone(version)

	return nil
}

func (r *flowRepository) VersionByID(_ context.Context, id string) (*models.FlowVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	version, ok := r.versions[id]
	if !ok {
		return nil, store.ErrVersionNotFound
	}

	return clone(version), nil
}

func (r *flowRepository) PublishedVersion(_ context.Context, flowID string) (*models.FlowVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *models.FlowVersion

	for _, version := range r.versions {
		if version.FlowID != flowID || !version.Published {
			continue
		}

		if best == nil || version.Version > best.Version {
			best = version
		}
	}

	if best == nil {
		return nil, store.ErrVersionNotFound
	}

	return clone(best), nil
}

func (r *flowRepository) ListVersions(_ context.Context, flowID string) ([]*models.FlowVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var versions []*models.FlowVersion

	for _, version := range r.versions {
		if version.FlowID == flowID {
			versions = append(versions, clone(version))
		}
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })

	return versions, nil
}

type runRepository Store

func (r *runRepository) CreateRun(_ context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return store.ErrRunExists
	}

	r.runs[run.ID] = clone(run)

	return nil
}

func (r *runRepository) RunByID(_ context.Context, id string) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, store.ErrRunNotFound
	}

	return clone(run), nil
}

func (r *runRepository) ListRunsByStatus(_ context.Context, status models.RunStatus) ([]*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var runs []*models.Run

	for _, run := range r.runs {
		if run.Status == status {
			runs = append(runs, clone(run))
		}
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })

	return runs, nil
}

func (r *runRepository) TransitionStatus(_ context.Context, runID string, expected, next models.RunStatus, metadata map[string]any) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return false, store.ErrRunNotFound
	}

	if run.Status != expected || !expected.CanTransitionTo(next) {
		return false, nil
	}

	now := time.Now().UTC()
	run.Status = next
	run.LastEventAt = now

	if next == models.RunStatusRunning && run.StartedAt == nil {
		startedAt := now
		run.StartedAt = &startedAt
	}

	if next.Terminal() {
		finishedAt := now
		run.FinishedAt = &finishedAt
	}

	if metadata != nil {
		if run.Metadata == nil {
			run.Metadata = make(map[string]any)
		}

		for k, v := range clone(metadata) {
			run.Metadata[k] = v
		}
	}

	return true, nil
}

func (r *runRepository) UpdateProgress(_ context.Context, runID string, status models.RunStatus, currentNode string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return store.ErrRunNotFound
	}

	if run.Status != status {
		return store.ErrRunNotOwned
	}

	run.CurrentNode = currentNode
	run.Data = clone(data)
	run.LastEventAt = time.Now().UTC()

	return nil
}

type signalRepository Store

func (r *signalRepository) EnqueueSignal(_ context.Context, signal *models.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.signals[signal.ID] = clone(signal)

	return nil
}

func (r *signalRepository) ClaimSignal(_ context.Context, runID string, types ...models.SignalType) (*models.Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *models.Signal

	for _, signal := range r.signals {
		if signal.RunID != runID || signal.Processed || !matchesType(signal.Type, types) {
			continue
		}

		if oldest == nil || signal.CreatedAt.Before(oldest.CreatedAt) {
			oldest = signal
		}
	}

	if oldest == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	oldest.Processed = true
	oldest.ProcessedAt = &now

	return clone(oldest), nil
}

func (r *signalRepository) PendingSignalRuns(_ context.Context, signalType models.SignalType) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)

	var runIDs []string

	for _, signal := range r.signals {
		if signal.Processed || signal.Type != signalType || seen[signal.RunID] {
			continue
		}

		seen[signal.RunID] = true
		runIDs = append(runIDs, signal.RunID)
	}

	sort.Strings(runIDs)

	return runIDs, nil
}

func (r *signalRepository) SignalsByRun(_ context.Context, runID string) ([]*models.Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var signals []*models.Signal

	for _, signal := range r.signals {
		if signal.RunID == runID {
			signals = append(signals, clone(signal))
		}
	}

	sort.Slice(signals, func(i, j int) bool { return signals[i].CreatedAt.Before(signals[j].CreatedAt) })

	return signals, nil
}

func matchesType(t models.SignalType, types []models.SignalType) bool {
	for _, candidate := range types {
		if t == candidate {
			return true
		}
	}

	return false
}

type checkpointRepository Store

func (r *checkpointRepository) AppendCheckpoint(_ context.Context, checkpoint *models.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.checkpoints[checkpoint.RunID]

	expected := 1
	if len(existing) > 0 {
		expected = existing[len(existing)-1].Sequence + 1
	}

	if checkpoint.Sequence != expected {
		return store.ErrCheckpointSequence
	}

	r.checkpoints[checkpoint.RunID] = append(existing, clone(checkpoint))

	return nil
}

func (r *checkpointRepository) LatestCheckpoint(_ context.Context, runID string) (*models.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.checkpoints[runID]
	if len(existing) == 0 {
		return nil, store.ErrCheckpointNotFound
	}

	return clone(existing[len(existing)-1]), nil
}

func (r *checkpointRepository) CheckpointsByRun(_ context.Context, runID string) ([]*models.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.checkpoints[runID]

	checkpoints := make([]*models.Checkpoint, 0, len(existing))
	for _, checkpoint := range existing {
		checkpoints = append(checkpoints, clone(checkpoint))
	}

	return checkpoints, nil
}
