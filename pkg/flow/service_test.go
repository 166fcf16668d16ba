package flow

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/store/memory"
	"github.com/loomworks/loom/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()

	st := memory.NewStore()

	return NewService(st, testLogger()), st
}

func TestService_Start(t *testing.T) {
	service, st := newTestService(t)

	version := testutil.CreateTestVersion()
	require.NoError(t, st.Flows().SaveVersion(t.Context(), version))

	run, err := service.Start(t.Context(), version.FlowID, "", map[string]any{"order_id": "o-1"})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, version.ID, run.FlowVersionID)
	assert.Equal(t, version.FlowID, run.FlowID)
	assert.Equal(t, "o-1", run.Data["order_id"])

	stored, err := st.Runs().RunByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, stored.Status)
}

func TestService_StartPicksHighestPublishedVersion(t *testing.T) {
	service, st := newTestService(t)

	v1 := testutil.CreateTestVersion()
	require.NoError(t, st.Flows().SaveVersion(t.Context(), v1))

	v2 := testutil.CreateTestVersion(testutil.WithFlowID(v1.FlowID))
	v2.Version = 2
	require.NoError(t, st.Flows().SaveVersion(t.Context(), v2))

	run, err := service.Start(t.Context(), v1.FlowID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, run.FlowVersionID)
}

func TestService_StartWithCallerSuppliedRunID(t *testing.T) {
	service, st := newTestService(t)

	version := testutil.CreateTestVersion()
	require.NoError(t, st.Flows().SaveVersion(t.Context(), version))

	run, err := service.StartVersion(t.Context(), version.ID, "run-retry-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "run-retry-1", run.ID)

	// Retrying the same start must not create a second run.
	_, err = service.StartVersion(t.Context(), version.ID, "run-retry-1", nil)
	assert.ErrorIs(t, err, store.ErrRunExists)
}

func TestService_StartVersionRejectsUnpublished(t *testing.T) {
	service, st := newTestService(t)

	version := testutil.CreateTestVersion()
	version.Published = false
	version.PublishedAt = nil
	require.NoError(t, st.Flows().SaveVersion(t.Context(), version))

	_, err := service.StartVersion(t.Context(), version.ID, "", nil)
	assert.ErrorIs(t, err, ErrNotPublished)
}

func TestService_StartVersionValidatesInput(t *testing.T) {
	service, st := newTestService(t)

	version := testutil.CreateTestVersion()
	version.InputSchema = map[string]any{
		"type":     "object",
		"required": []any{"order_id"},
		"properties": map[string]any{
			"order_id": map[string]any{"type": "string"},
		},
	}
	require.NoError(t, st.Flows().SaveVersion(t.Context(), version))

	t.Run("valid input accepted", func(t *testing.T) {
		_, err := service.StartVersion(t.Context(), version.ID, "", map[string]any{"order_id": "o-1"})
		assert.NoError(t, err)
	})

	t.Run("missing required field rejected", func(t *testing.T) {
		_, err := service.StartVersion(t.Context(), version.ID, "", map[string]any{})

		var validationErr *InputValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, version.ID, validationErr.FlowVersionID)
		assert.NotEmpty(t, validationErr.Violations)
	})

	t.Run("wrong type rejected", func(t *testing.T) {
		_, err := service.StartVersion(t.Context(), version.ID, "", map[string]any{"order_id": 42})

		var validationErr *InputValidationError
		assert.ErrorAs(t, err, &validationErr)
	})
}

func TestService_ControlRequests(t *testing.T) {
	service, st := newTestService(t)

	version := testutil.CreateTestVersion()
	require.NoError(t, st.Flows().SaveVersion(t.Context(), version))

	run := testutil.CreateTestRun(version, testutil.WithStatus(models.RunStatusRunning))
	require.NoError(t, st.Runs().CreateRun(t.Context(), run))

	pause, err := service.RequestPause(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SignalPauseRequest, pause.Type)
	assert.False(t, pause.Processed)

	resume, err := service.RequestResume(t.Context(), run.ID, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, models.SignalResumeRequest, resume.Type)
	assert.Equal(t, true, resume.Payload["approved"])

	cancel, err := service.RequestCancel(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SignalCancelRequest, cancel.Type)

	signals, err := st.Signals().SignalsByRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Len(t, signals, 3)
}

func TestService_ControlRequestsRejectTerminalRuns(t *testing.T) {
	service, st := newTestService(t)

	version := testutil.CreateTestVersion()
	require.NoError(t, st.Flows().SaveVersion(t.Context(), version))

	for _, status := range []models.RunStatus{
		models.RunStatusCompleted,
		models.RunStatusFailed,
		models.RunStatusCancelled,
	} {
		run := testutil.CreateTestRun(version, testutil.WithStatus(status))
		require.NoError(t, st.Runs().CreateRun(t.Context(), run))

		_, err := service.RequestCancel(t.Context(), run.ID)
		assert.ErrorIs(t, err, ErrRunFinished, "status %s", status)
	}
}

func TestService_Status(t *testing.T) {
	service, st := newTestService(t)

	version := testutil.CreateTestVersion()
	require.NoError(t, st.Flows().SaveVersion(t.Context(), version))

	run := testutil.CreateTestRun(version, testutil.WithStatus(models.RunStatusPaused))
	require.NoError(t, st.Runs().CreateRun(t.Context(), run))

	require.NoError(t, st.Checkpoints().AppendCheckpoint(t.Context(), &models.Checkpoint{
		RunID: run.ID, Sequence: 1, NodeID: "work",
		Data:      map[string]any{"step": 1},
		CreatedAt: time.Now().UTC(),
	}))

	_, err := service.RequestResume(t.Context(), run.ID, nil)
	require.NoError(t, err)

	view, err := service.Status(t.Context(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, view.Run.ID)
	assert.Equal(t, 1, view.CheckpointSequence)
	require.Len(t, view.PendingSignals, 1)
	assert.Equal(t, models.SignalResumeRequest, view.PendingSignals[0].Type)
}

func TestService_StatusWithoutCheckpoints(t *testing.T) {
	service, st := newTestService(t)

	version := testutil.CreateTestVersion()
	require.NoError(t, st.Flows().SaveVersion(t.Context(), version))

	run := testutil.CreateTestRun(version)
	require.NoError(t, st.Runs().CreateRun(t.Context(), run))

	view, err := service.Status(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, view.CheckpointSequence)
	assert.Empty(t, view.PendingSignals)
}

func TestService_History(t *testing.T) {
	service, st := newTestService(t)

	version := testutil.CreateTestVersion()
	require.NoError(t, st.Flows().SaveVersion(t.Context(), version))

	run := testutil.CreateTestRun(version)
	require.NoError(t, st.Runs().CreateRun(t.Context(), run))

	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, st.Checkpoints().AppendCheckpoint(t.Context(), &models.Checkpoint{
			RunID: run.ID, Sequence: seq, NodeID: "work",
			Data:      map[string]any{"step": seq},
			CreatedAt: time.Now().UTC(),
		}))
	}

	checkpoints, err := service.History(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 3)
	assert.Equal(t, 1, checkpoints[0].Sequence)
	assert.Equal(t, 3, checkpoints[2].Sequence)
}
