package flow

import (
	"context"
	"sync"

	"github.com/loomworks/loom/pkg/eventbus"
	"github.com/loomworks/loom/pkg/events"
)

// watchableEvents is every event type a run can emit.
var watchableEvents = []events.EventType{
	events.RunStartedEvent,
	events.RunCompletedEvent,
	events.RunFailedEvent,
	events.RunCancelledEvent,
	events.RunPausedEvent,
	events.RunResumedEvent,
	events.NodeStartedEvent,
	events.NodeFinishedEvent,
}

// EventWatcher fans run lifecycle events out to per-run subscribers. It is
// the in-process consumer side of the event bus: callers that need to follow
// one run subscribe here instead of consuming the whole topic themselves.
type EventWatcher struct {
	bus eventbus.EventBus

	mu   sync.RWMutex
	next int
	subs map[string]map[int]chan events.Event
}

func NewEventWatcher(bus eventbus.EventBus) *EventWatcher {
	return &EventWatcher{
		bus:  bus,
		subs: make(map[string]map[int]chan events.Event),
	}
}

// Start registers the watcher's handlers and begins consuming the event
// topic. Call it once, before any SubscribeRunEvents call needs delivery.
func (w *EventWatcher) Start(ctx context.Context) error {
	for _, eventType := range watchableEvents {
		if err := w.bus.Handle(eventType, w.dispatch); err != nil {
			return err
		}
	}

	return w.bus.Subscribe(ctx)
}

// SubscribeRunEvents returns a channel of events for one run and a cancel
// function that must be called when the caller is done. Delivery is
// best-effort: a subscriber that stops draining its channel loses events
// rather than stalling the bus.
func (w *EventWatcher) SubscribeRunEvents(runID string) (<-chan events.Event, func()) {
	ch := make(chan events.Event, 64)

	w.mu.Lock()
	id := w.next
	w.next++

	if w.subs[runID] == nil {
		w.subs[runID] = make(map[int]chan events.Event)
	}

	w.subs[runID][id] = ch
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		if subs, ok := w.subs[runID]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}

			if len(subs) == 0 {
				delete(w.subs, runID)
			}
		}
	}

	return ch, cancel
}

func (w *EventWatcher) dispatch(_ context.Context, event events.Event) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, ch := range w.subs[event.GetRunID()] {
		select {
		case ch <- event:
		default:
		}
	}

	return nil
}
