package flow

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/loomworks/loom/pkg/channels/gochannel"
	"github.com/loomworks/loom/pkg/eventbus"
	"github.com/loomworks/loom/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) (*EventWatcher, eventbus.EventBus) {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	watcher := NewEventWatcher(bus)
	require.NoError(t, watcher.Start(t.Context()))

	return watcher, bus
}

func publishTestEvent(t *testing.T, bus eventbus.EventBus, runID string, eventType events.EventType) {
	t.Helper()

	base := events.BaseEvent{
		ID:        bus.GenerateID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
	}

	var event events.Event

	switch eventType {
	case events.RunStartedEvent:
		event = events.RunStarted{BaseEvent: base}
	case events.RunCompletedEvent:
		event = events.RunCompleted{BaseEvent: base}
	default:
		t.Fatalf("unsupported test event type %s", eventType)
	}

	require.NoError(t, bus.Publish(t.Context(), runID, event))
}

func waitForEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()

	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")

		return nil
	}
}

func TestEventWatcher_SubscribeRunEvents(t *testing.T) {
	watcher, bus := newTestWatcher(t)

	ch, cancel := watcher.SubscribeRunEvents("run-1")
	defer cancel()

	publishTestEvent(t, bus, "run-1", events.RunStartedEvent)
	publishTestEvent(t, bus, "run-1", events.RunCompletedEvent)

	first := waitForEvent(t, ch)
	assert.Equal(t, events.RunStartedEvent, first.GetType())
	assert.Equal(t, "run-1", first.GetRunID())

	second := waitForEvent(t, ch)
	assert.Equal(t, events.RunCompletedEvent, second.GetType())
}

func TestEventWatcher_FiltersByRun(t *testing.T) {
	watcher, bus := newTestWatcher(t)

	ch, cancel := watcher.SubscribeRunEvents("run-1")
	defer cancel()

	publishTestEvent(t, bus, "run-2", events.RunStartedEvent)
	publishTestEvent(t, bus, "run-1", events.RunCompletedEvent)

	event := waitForEvent(t, ch)
	assert.Equal(t, "run-1", event.GetRunID())
	assert.Equal(t, events.RunCompletedEvent, event.GetType())
}

func TestEventWatcher_CancelStopsDelivery(t *testing.T) {
	watcher, bus := newTestWatcher(t)

	ch, cancel := watcher.SubscribeRunEvents("run-1")
	cancel()

	// A cancelled subscription's channel is closed, not leaked.
	_, open := <-ch
	assert.False(t, open)

	// Double cancel is safe.
	cancel()

	publishTestEvent(t, bus, "run-1", events.RunStartedEvent)
}

func TestEventWatcher_MultipleSubscribers(t *testing.T) {
	watcher, bus := newTestWatcher(t)

	first, cancelFirst := watcher.SubscribeRunEvents("run-1")
	defer cancelFirst()

	second, cancelSecond := watcher.SubscribeRunEvents("run-1")
	defer cancelSecond()

	publishTestEvent(t, bus, "run-1", events.RunStartedEvent)

	assert.Equal(t, "run-1", waitForEvent(t, first).GetRunID())
	assert.Equal(t, "run-1", waitForEvent(t, second).GetRunID())
}
