// Package eventbus publishes and consumes run lifecycle events.
package eventbus

import (
	"context"

	"github.com/loomworks/loom/pkg/events"
)

type EventHandler func(ctx context.Context, event events.Event) error

// EventBus decouples the engine from whatever transport carries its events:
// an in-process channel for local deployments, Kafka when something external
// needs to observe runs.
type EventBus interface {
	GenerateID() string
	Publish(ctx context.Context, key string, event events.Event) error
	// Subscribe starts consuming the event topic, dispatching to handlers
	// registered via Handle. Handlers must be registered before Subscribe.
	Subscribe(ctx context.Context) error
	Handle(eventType events.EventType, handler EventHandler) error
	Close() error
}
