package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, RunStatusPending.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.False(t, RunStatusPaused.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
}

func TestRunStatus_CanTransitionTo(t *testing.T) {
	allowed := map[RunStatus][]RunStatus{
		RunStatusPending: {RunStatusRunning, RunStatusCancelled},
		RunStatusRunning: {RunStatusPaused, RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
		RunStatusPaused:  {RunStatusRunning, RunStatusCancelled},
	}

	statuses := []RunStatus{
		RunStatusPending, RunStatusRunning, RunStatusPaused,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			expected := false

			for _, permitted := range allowed[from] {
				if to == permitted {
					expected = true
				}
			}

			assert.Equal(t, expected, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestRunStatus_TerminalStatesAreImmutable(t *testing.T) {
	terminals := []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled}
	all := []RunStatus{
		RunStatusPending, RunStatusRunning, RunStatusPaused,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled,
	}

	for _, from := range terminals {
		for _, to := range all {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s must be rejected", from, to)
		}
	}
}
