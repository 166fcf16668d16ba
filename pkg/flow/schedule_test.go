package flow

import (
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store/memory"
	"github.com/loomworks/loom/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, *memory.Store) {
	t.Helper()

	st := memory.NewStore()
	scheduler := NewScheduler(st, NewService(st, testLogger()), testLogger(), 0)

	return scheduler, st
}

func saveScheduledVersion(t *testing.T, st *memory.Store, schedule string) *models.FlowVersion {
	t.Helper()

	f := testutil.CreateTestFlow()
	require.NoError(t, st.Flows().SaveFlow(t.Context(), f))

	version := testutil.CreateTestVersion(testutil.WithFlowID(f.ID))
	version.Schedule = schedule
	require.NoError(t, st.Flows().SaveVersion(t.Context(), version))

	return version
}

func TestScheduler_ReloadRegistersScheduledVersions(t *testing.T) {
	scheduler, st := newTestScheduler(t)

	scheduled := saveScheduledVersion(t, st, "*/5 * * * *")
	saveScheduledVersion(t, st, "")

	require.NoError(t, scheduler.Reload(t.Context()))

	assert.Len(t, scheduler.entries, 1)
	assert.Contains(t, scheduler.entries, scheduled.ID)
}

func TestScheduler_ReloadDropsSupersededVersions(t *testing.T) {
	scheduler, st := newTestScheduler(t)

	old := saveScheduledVersion(t, st, "*/5 * * * *")
	require.NoError(t, scheduler.Reload(t.Context()))
	require.Contains(t, scheduler.entries, old.ID)

	// A higher published version without a schedule supersedes the old one.
	replacement := testutil.CreateTestVersion(testutil.WithFlowID(old.FlowID))
	replacement.Version = 2
	require.NoError(t, st.Flows().SaveVersion(t.Context(), replacement))

	require.NoError(t, scheduler.Reload(t.Context()))
	assert.Empty(t, scheduler.entries)
}

func TestScheduler_ReloadIsIdempotent(t *testing.T) {
	scheduler, st := newTestScheduler(t)

	scheduled := saveScheduledVersion(t, st, "*/5 * * * *")

	require.NoError(t, scheduler.Reload(t.Context()))
	first := scheduler.entries[scheduled.ID]

	require.NoError(t, scheduler.Reload(t.Context()))
	assert.Equal(t, first, scheduler.entries[scheduled.ID])
	assert.Len(t, scheduler.entries, 1)
}

func TestScheduler_PicksUpVersionPublishedAfterStart(t *testing.T) {
	st := memory.NewStore()
	scheduler := NewScheduler(st, NewService(st, testLogger()), testLogger(), 10*time.Millisecond)

	require.NoError(t, scheduler.Start(t.Context()))
	defer scheduler.Stop()

	// Published from another process after the scheduler is already
	// running; the periodic reload must register it.
	scheduled := saveScheduledVersion(t, st, "*/5 * * * *")

	assert.Eventually(t, func() bool {
		scheduler.mu.Lock()
		defer scheduler.mu.Unlock()

		_, registered := scheduler.entries[scheduled.ID]

		return registered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_FireStartsRun(t *testing.T) {
	scheduler, st := newTestScheduler(t)

	version := saveScheduledVersion(t, st, "*/5 * * * *")

	scheduler.fire(version)()

	runs, err := st.Runs().ListRunsByStatus(t.Context(), models.RunStatusPending)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, version.ID, runs[0].FlowVersionID)
}
