// Package flow provides the control surface of the engine: starting runs of
// published versions, queuing pause, resume and cancel requests, publishing
// immutable flow versions and scheduling automatic starts.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// Service exposes the run control operations. Every control request is a
// durable signal; the service never mutates run status directly, the worker
// claims signals at safe points.
type Service struct {
	store    store.Store
	logger   *slog.Logger
	validate *validator.Validate
}

func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		logger:   logger.With("module", "flow"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Start creates a pending run of the flow's current published version. An
// empty runID asks the service to generate one; a caller-supplied id makes
// the start idempotent, since a second attempt hits ErrRunExists.
func (s *Service) Start(ctx context.Context, flowID, runID string, input map[string]any) (*models.Run, error) {
	version, err := s.store.Flows().PublishedVersion(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve published version of flow %s: %w", flowID, err)
	}

	return s.StartVersion(ctx, version.ID, runID, input)
}

// StartVersion creates a pending run of one specific published version. The
// run is picked up by whichever worker wins the pending to running
// transition. runID follows the same rules as in Start.
func (s *Service) StartVersion(ctx context.Context, versionID, runID string, input map[string]any) (*models.Run, error) {
	version, err := s.store.Flows().VersionByID(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow version %s: %w", versionID, err)
	}

	if !version.Published {
		return nil, fmt.Errorf("flow version %s: %w", versionID, ErrNotPublished)
	}

	if err := ValidateInput(version.ID, version.InputSchema, input); err != nil {
		return nil, err
	}

	if runID == "" {
		runID = uuid.New().String()
	}

	now := time.Now().UTC()
	run := &models.Run{
		ID:            runID,
		FlowID:        version.FlowID,
		FlowVersionID: version.ID,
		Status:        models.RunStatusPending,
		Data:          input,
		CreatedAt:     now,
		LastEventAt:   now,
	}

	if err := s.validate.Struct(run); err != nil {
		return nil, fmt.Errorf("invalid run: %w", err)
	}

	if err := s.store.Runs().CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.Info("Run created", "run_id", run.ID, "flow_id", run.FlowID, "flow_version_id", version.ID)

	return run, nil
}

// RequestPause queues a pause request. It takes effect at the run's next
// safe point; requesting a pause on a terminal run is rejected.
func (s *Service) RequestPause(ctx context.Context, runID string) (*models.Signal, error) {
	return s.enqueue(ctx, runID, models.SignalPauseRequest, nil)
}

// RequestResume queues a resume request carrying an optional data update to
// merge over the restored checkpoint.
func (s *Service) RequestResume(ctx context.Context, runID string, update map[string]any) (*models.Signal, error) {
	return s.enqueue(ctx, runID, models.SignalResumeRequest, update)
}

// RequestCancel queues a cancel request. Cancellation wins over a pause
// queued at the same safe point.
func (s *Service) RequestCancel(ctx context.Context, runID string) (*models.Signal, error) {
	return s.enqueue(ctx, runID, models.SignalCancelRequest, nil)
}

func (s *Service) enqueue(ctx context.Context, runID string, signalType models.SignalType, payload map[string]any) (*models.Signal, error) {
	run, err := s.store.Runs().RunByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	if run.Status.Terminal() {
		return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrRunFinished)
	}

	signal := &models.Signal{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      signalType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.validate.Struct(signal); err != nil {
		return nil, fmt.Errorf("invalid signal: %w", err)
	}

	if err := s.store.Signals().EnqueueSignal(ctx, signal); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s for run %s: %w", signalType, runID, err)
	}

	s.logger.Info("Control signal queued", "run_id", runID, "signal_id", signal.ID, "type", signalType)

	return signal, nil
}

// RunView is the status snapshot returned by Status.
type RunView struct {
	Run                *models.Run      `json:"run"`
	CheckpointSequence int              `json:"checkpoint_sequence"`
	PendingSignals     []*models.Signal `json:"pending_signals,omitempty"`
}

// Status reports a run together with its checkpoint progress and any queued
// control signals.
func (s *Service) Status(ctx context.Context, runID string) (*RunView, error) {
	run, err := s.store.Runs().RunByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	view := &RunView{Run: run}

	checkpoint, err := s.store.Checkpoints().LatestCheckpoint(ctx, runID)
	if err == nil {
		view.CheckpointSequence = checkpoint.Sequence
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load checkpoints for run %s: %w", runID, err)
	}

	signals, err := s.store.Signals().SignalsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signals for run %s: %w", runID, err)
	}

	for _, signal := range signals {
		if !signal.Processed {
			view.PendingSignals = append(view.PendingSignals, signal)
		}
	}

	return view, nil
}

// History returns a run's full checkpoint trail, oldest first.
func (s *Service) History(ctx context.Context, runID string) ([]*models.Checkpoint, error) {
	if _, err := s.store.Runs().RunByID(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	checkpoints, err := s.store.Checkpoints().CheckpointsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints for run %s: %w", runID, err)
	}

	return checkpoints, nil
}

// ListRuns returns runs in the given status.
func (s *Service) ListRuns(ctx context.Context, status models.RunStatus) ([]*models.Run, error) {
	return s.store.Runs().ListRunsByStatus(ctx, status)
}
