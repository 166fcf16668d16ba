// Package store defines the durable-store contract the engine coordinates
// through. Four durable collections back it: flows/flow versions, runs,
// signals and checkpoints. All cross-process coordination happens via the
// atomic primitives declared here; no other field may be updated through a
// bare read-modify-write.
package store

import (
	"context"

	"github.com/loomworks/loom/pkg/models"
)

// Store is the persistence abstraction for the engine.
type Store interface {
	Flows() FlowRepository
	Runs() RunRepository
	Signals() SignalRepository
	Checkpoints() CheckpointRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowRepository persists flows and their immutable published versions.
type FlowRepository interface {
	SaveFlow(ctx context.Context, flow *models.Flow) error
	FlowByID(ctx context.Context, id string) (*models.Flow, error)
	ListFlows(ctx context.Context) ([]*models.Flow, error)

	// SaveVersion persists a flow version. Versions are write-once: saving
	// an id that already exists returns ErrVersionExists.
	SaveVersion(ctx context.Context, version *models.FlowVersion) error
	VersionByID(ctx context.Context, id string) (*models.FlowVersion, error)
	// PublishedVersion returns the highest published version of a flow.
	PublishedVersion(ctx context.Context, flowID string) (*models.FlowVersion, error)
	ListVersions(ctx context.Context, flowID string) ([]*models.FlowVersion, error)
}

// RunRepository persists run records and owns the status state machine.
type RunRepository interface {
	CreateRun(ctx context.Context, run *models.Run) error
	RunByID(ctx context.Context, id string) (*models.Run, error)
	ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.Run, error)

	// TransitionStatus is the only status write path: an atomic
	// compare-and-set from expected to next. It returns false, with no
	// error, when the run's current status no longer matches expected:
	// a lost race, not a failure. Metadata, if non-nil, is merged into the
	// run's metadata in the same operation. Timestamps (started/finished/
	// last-event) are maintained by the implementation.
	TransitionStatus(ctx context.Context, runID string, expected, next models.RunStatus, metadata map[string]any) (bool, error)

	// UpdateProgress persists the controller's working state (current node
	// and run data) for a run it owns. Implementations must refuse the
	// write unless the run is still in the given status, so a controller
	// that lost its run cannot clobber it.
	UpdateProgress(ctx context.Context, runID string, status models.RunStatus, currentNode string, data map[string]any) error
}

// SignalRepository persists control signals and their exactly-once claims.
type SignalRepository interface {
	EnqueueSignal(ctx context.Context, signal *models.Signal) error

	// ClaimSignal atomically selects the oldest unprocessed signal of one
	// of the given types for the run, marks it processed, and returns it.
	// It returns (nil, nil) when there is nothing to claim. Concurrent
	// claims for the same signal have exactly one winner; losers observe
	// the signal as already processed.
	ClaimSignal(ctx context.Context, runID string, types ...models.SignalType) (*models.Signal, error)

	// PendingSignalRuns lists runs that have at least one unprocessed
	// signal of the given type, for the worker's polling sweep.
	PendingSignalRuns(ctx context.Context, signalType models.SignalType) ([]string, error)

	SignalsByRun(ctx context.Context, runID string) ([]*models.Signal, error)
}

// CheckpointRepository persists run checkpoints.
type CheckpointRepository interface {
	// AppendCheckpoint writes a checkpoint whose sequence must be exactly
	// one greater than the run's latest; anything else returns
	// ErrCheckpointSequence.
	AppendCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error
	LatestCheckpoint(ctx context.Context, runID string) (*models.Checkpoint, error)
	CheckpointsByRun(ctx context.Context, runID string) ([]*models.Checkpoint, error)
}
