package flow

import (
	"testing"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store/memory"
	"github.com/loomworks/loom/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublishing(t *testing.T) (*PublishingService, *memory.Store) {
	t.Helper()

	st := memory.NewStore()

	return NewPublishingService(st, testLogger()), st
}

func linearDraft() *models.FlowVersion {
	return &models.FlowVersion{
		Nodes: []*models.NodeDefinition{
			{ID: "start", Kind: models.NodeKindStart},
			testutil.TaskNode("work", "noop"),
			{ID: "end", Kind: models.NodeKindEnd},
		},
		Edges: []*models.Edge{
			{Source: "start", Target: "work"},
			{Source: "work", Target: "end"},
		},
	}
}

func TestPublishing_CreateFlow(t *testing.T) {
	service, st := newTestPublishing(t)

	flow, err := service.CreateFlow(t.Context(), &models.Flow{Name: "Order Processing", Owner: "ops"})
	require.NoError(t, err)
	assert.NotEmpty(t, flow.ID)
	assert.False(t, flow.CreatedAt.IsZero())

	stored, err := st.Flows().FlowByID(t.Context(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "Order Processing", stored.Name)
}

func TestPublishing_CreateFlowRejectsShortName(t *testing.T) {
	service, _ := newTestPublishing(t)

	_, err := service.CreateFlow(t.Context(), &models.Flow{Name: "ab"})
	assert.Error(t, err)
}

func TestPublishing_UpdateFlowPreservesCreatedAt(t *testing.T) {
	service, _ := newTestPublishing(t)

	flow, err := service.CreateFlow(t.Context(), &models.Flow{Name: "Order Processing"})
	require.NoError(t, err)

	updated, err := service.UpdateFlow(t.Context(), flow.ID, &models.Flow{Name: "Order Processing v2"})
	require.NoError(t, err)
	assert.Equal(t, flow.ID, updated.ID)
	assert.Equal(t, flow.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "Order Processing v2", updated.Name)
}

func TestPublishing_Publish(t *testing.T) {
	service, st := newTestPublishing(t)

	flow, err := service.CreateFlow(t.Context(), &models.Flow{Name: "Order Processing"})
	require.NoError(t, err)

	version, err := service.Publish(t.Context(), flow.ID, linearDraft())
	require.NoError(t, err)

	assert.Equal(t, 1, version.Version)
	assert.True(t, version.Published)
	require.NotNil(t, version.PublishedAt)

	stored, err := st.Flows().PublishedVersion(t.Context(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, version.ID, stored.ID)
}

func TestPublishing_PublishIncrementsVersion(t *testing.T) {
	service, _ := newTestPublishing(t)

	flow, err := service.CreateFlow(t.Context(), &models.Flow{Name: "Order Processing"})
	require.NoError(t, err)

	first, err := service.Publish(t.Context(), flow.ID, linearDraft())
	require.NoError(t, err)

	second, err := service.Publish(t.Context(), flow.ID, linearDraft())
	require.NoError(t, err)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestPublishing_PublishRejectsInvalidGraph(t *testing.T) {
	service, _ := newTestPublishing(t)

	flow, err := service.CreateFlow(t.Context(), &models.Flow{Name: "Order Processing"})
	require.NoError(t, err)

	draft := linearDraft()
	draft.Edges = []*models.Edge{{Source: "start", Target: "nowhere"}}

	_, err = service.Publish(t.Context(), flow.ID, draft)

	var publishErr *PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.Equal(t, flow.ID, publishErr.FlowID)
}

func TestPublishing_PublishRejectsInvalidSchedule(t *testing.T) {
	service, _ := newTestPublishing(t)

	flow, err := service.CreateFlow(t.Context(), &models.Flow{Name: "Order Processing"})
	require.NoError(t, err)

	draft := linearDraft()
	draft.Schedule = "every five minutes"

	_, err = service.Publish(t.Context(), flow.ID, draft)

	var publishErr *PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.Equal(t, "invalid schedule", publishErr.Reason)
}

func TestPublishing_PublishAcceptsSchedule(t *testing.T) {
	service, _ := newTestPublishing(t)

	flow, err := service.CreateFlow(t.Context(), &models.Flow{Name: "Order Processing"})
	require.NoError(t, err)

	draft := linearDraft()
	draft.Schedule = "*/5 * * * *"

	version, err := service.Publish(t.Context(), flow.ID, draft)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", version.Schedule)
}

func TestPublishing_PublishRejectsInvalidInputSchema(t *testing.T) {
	service, _ := newTestPublishing(t)

	flow, err := service.CreateFlow(t.Context(), &models.Flow{Name: "Order Processing"})
	require.NoError(t, err)

	draft := linearDraft()
	draft.InputSchema = map[string]any{"type": 42}

	_, err = service.Publish(t.Context(), flow.ID, draft)

	var publishErr *PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.Equal(t, "invalid input schema", publishErr.Reason)
}

func TestPublishing_PublishUnknownFlow(t *testing.T) {
	service, _ := newTestPublishing(t)

	_, err := service.Publish(t.Context(), "missing", linearDraft())
	assert.Error(t, err)
}
