package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/loomworks/loom/pkg/graph"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
	"github.com/robfig/cron/v3"
)

// PublishingService turns draft flow definitions into immutable published
// versions. Publication is the single validation gate: a version that made
// it into the store compiles, so workers load it without re-validating.
type PublishingService struct {
	store    store.Store
	logger   *slog.Logger
	validate *validator.Validate
}

func NewPublishingService(st store.Store, logger *slog.Logger) *PublishingService {
	return &PublishingService{
		store:    st,
		logger:   logger.With("module", "publishing"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// CreateFlow registers a new editable flow container.
func (s *PublishingService) CreateFlow(ctx context.Context, flow *models.Flow) (*models.Flow, error) {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	flow.CreatedAt = now
	flow.UpdatedAt = now

	if err := s.validate.Struct(flow); err != nil {
		return nil, fmt.Errorf("invalid flow: %w", err)
	}

	if err := s.store.Flows().SaveFlow(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return flow, nil
}

// UpdateFlow edits flow metadata. Published versions are untouched; runs in
// flight keep executing the version they were started against.
func (s *PublishingService) UpdateFlow(ctx context.Context, id string, flow *models.Flow) (*models.Flow, error) {
	existing, err := s.store.Flows().FlowByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", id, err)
	}

	flow.ID = id
	flow.CreatedAt = existing.CreatedAt
	flow.UpdatedAt = time.Now().UTC()

	if err := s.validate.Struct(flow); err != nil {
		return nil, fmt.Errorf("invalid flow: %w", err)
	}

	if err := s.store.Flows().SaveFlow(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return flow, nil
}

// Publish validates a draft definition and stores it as the flow's next
// immutable version. The draft's nodes and edges are snapshotted as given;
// later edits produce new versions and never touch this one.
func (s *PublishingService) Publish(ctx context.Context, flowID string, draft *models.FlowVersion) (*models.FlowVersion, error) {
	if _, err := s.store.Flows().FlowByID(ctx, flowID); err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", flowID, err)
	}

	now := time.Now().UTC()
	version := &models.FlowVersion{
		ID:          uuid.New().String(),
		FlowID:      flowID,
		Version:     1,
		Nodes:       draft.Nodes,
		Edges:       draft.Edges,
		Published:   true,
		Schedule:    draft.Schedule,
		InputSchema: draft.InputSchema,
		CreatedAt:   now,
		PublishedAt: &now,
	}

	versions, err := s.store.Flows().ListVersions(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of flow %s: %w", flowID, err)
	}

	for _, existing := range versions {
		if existing.Version >= version.Version {
			version.Version = existing.Version + 1
		}
	}

	if err := s.validateDraft(version); err != nil {
		return nil, err
	}

	if err := s.store.Flows().SaveVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to save version %d of flow %s: %w", version.Version, flowID, err)
	}

	s.logger.Info("Flow version published",
		"flow_id", flowID, "flow_version_id", version.ID, "version", version.Version)

	return version, nil
}

func (s *PublishingService) validateDraft(version *models.FlowVersion) error {
	if err := s.validate.Struct(version); err != nil {
		return &PublishError{FlowID: version.FlowID, Reason: "definition incomplete", Err: err}
	}

	// The compiler enforces the structural rules: unique ids, one start,
	// reachable end, guarded condition edges with a trailing default.
	if _, err := graph.Compile(version); err != nil {
		return &PublishError{FlowID: version.FlowID, Reason: "graph validation failed", Err: err}
	}

	if version.Schedule != "" {
		if _, err := cron.ParseStandard(version.Schedule); err != nil {
			return &PublishError{FlowID: version.FlowID, Reason: "invalid schedule", Err: err}
		}
	}

	if err := CompileInputSchema(version.InputSchema); err != nil {
		return &PublishError{FlowID: version.FlowID, Reason: "invalid input schema", Err: err}
	}

	return nil
}
