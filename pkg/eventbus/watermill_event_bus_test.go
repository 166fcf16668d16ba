package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/loomworks/loom/pkg/channels/gochannel"
	"github.com/loomworks/loom/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func baseEvent(eventType events.EventType, runID string) events.BaseEvent {
	return events.BaseEvent{
		ID:        watermill.NewULID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
	}
}

func TestWatermillEventBus_PublishSubscribe(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan events.Event, 1)
	require.NoError(t, bus.Handle(events.RunCompletedEvent, func(_ context.Context, event events.Event) error {
		received <- event

		return nil
	}))

	require.NoError(t, bus.Subscribe(t.Context()))

	published := events.RunCompleted{
		BaseEvent: baseEvent(events.RunCompletedEvent, "run-1"),
		Data:      map[string]any{"result": "ok"},
	}
	require.NoError(t, bus.Publish(t.Context(), "run-1", published))

	select {
	case event := <-received:
		completed, ok := event.(*events.RunCompleted)
		require.True(t, ok)
		assert.Equal(t, "run-1", completed.GetRunID())
		assert.Equal(t, "ok", completed.Data["result"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_DispatchesByType(t *testing.T) {
	bus := newTestBus(t)

	started := make(chan events.Event, 2)
	failed := make(chan events.Event, 2)

	require.NoError(t, bus.Handle(events.RunStartedEvent, func(_ context.Context, event events.Event) error {
		started <- event

		return nil
	}))
	require.NoError(t, bus.Handle(events.RunFailedEvent, func(_ context.Context, event events.Event) error {
		failed <- event

		return nil
	}))

	require.NoError(t, bus.Subscribe(t.Context()))

	require.NoError(t, bus.Publish(t.Context(), "run-1", events.RunStarted{
		BaseEvent: baseEvent(events.RunStartedEvent, "run-1"),
	}))
	require.NoError(t, bus.Publish(t.Context(), "run-2", events.RunFailed{
		BaseEvent: baseEvent(events.RunFailedEvent, "run-2"),
		ErrorKind: "task_execution_error",
		Error:     "boom",
	}))

	select {
	case event := <-started:
		assert.Equal(t, "run-1", event.GetRunID())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for started event")
	}

	select {
	case event := <-failed:
		failedEvent, ok := event.(*events.RunFailed)
		require.True(t, ok)
		assert.Equal(t, "run-2", failedEvent.GetRunID())
		assert.Equal(t, "boom", failedEvent.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failed event")
	}
}

func TestWatermillEventBus_MultipleHandlersPerType(t *testing.T) {
	bus := newTestBus(t)

	first := make(chan events.Event, 1)
	second := make(chan events.Event, 1)

	require.NoError(t, bus.Handle(events.RunPausedEvent, func(_ context.Context, event events.Event) error {
		first <- event

		return nil
	}))
	require.NoError(t, bus.Handle(events.RunPausedEvent, func(_ context.Context, event events.Event) error {
		second <- event

		return nil
	}))

	require.NoError(t, bus.Subscribe(t.Context()))

	require.NoError(t, bus.Publish(t.Context(), "run-1", events.RunPaused{
		BaseEvent: baseEvent(events.RunPausedEvent, "run-1"),
		NodeID:    "work",
	}))

	for _, ch := range []chan events.Event{first, second} {
		select {
		case event := <-ch:
			assert.Equal(t, "run-1", event.GetRunID())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	assert.NotEmpty(t, bus.GenerateID())
	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}

func TestDecodeEvent_UnknownType(t *testing.T) {
	_, err := decodeEvent(events.EventType("run.exploded"), []byte(`{}`))

	var unknownErr *UnknownEventTypeError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, events.EventType("run.exploded"), unknownErr.Type)
}
