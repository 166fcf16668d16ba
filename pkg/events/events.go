// Package events defines event types and structures for run lifecycle
// notifications.
package events

import (
	"time"

	"github.com/loomworks/loom/pkg/models"
)

type EventType string

// Topic carries every run lifecycle and node transition event.
const Topic = "loom.run.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"
const RunIDMetadataKey = "run_id"

const (
	// Run lifecycle events.
	RunStartedEvent   EventType = "run.started"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunCancelledEvent EventType = "run.cancelled"
	RunPausedEvent    EventType = "run.paused"
	RunResumedEvent   EventType = "run.resumed"

	// Node transition events.
	NodeStartedEvent  EventType = "node.started"
	NodeFinishedEvent EventType = "node.finished"
)

// Event is implemented by every published event.
type Event interface {
	GetType() EventType
	GetRunID() string
}

type BaseEvent struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	RunID         string         `json:"run_id"`
	FlowID        string         `json:"flow_id,omitempty"`
	FlowVersionID string         `json:"flow_version_id,omitempty"`
	WorkerID      string         `json:"worker_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (e BaseEvent) GetRunID() string { return e.RunID }

type RunStarted struct {
	BaseEvent

	Input map[string]any `json:"input,omitempty"`
}

func (e RunStarted) GetType() EventType { return RunStartedEvent }

type RunCompleted struct {
	BaseEvent

	Data     map[string]any `json:"data,omitempty"`
	Duration time.Duration  `json:"duration"`
}

func (e RunCompleted) GetType() EventType { return RunCompletedEvent }

type RunFailed struct {
	BaseEvent

	NodeID    string `json:"node_id,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error"`
}

func (e RunFailed) GetType() EventType { return RunFailedEvent }

type RunCancelled struct {
	BaseEvent

	NodeID string `json:"node_id,omitempty"`
}

func (e RunCancelled) GetType() EventType { return RunCancelledEvent }

type RunPaused struct {
	BaseEvent

	NodeID             string `json:"node_id"`
	CheckpointSequence int    `json:"checkpoint_sequence"`
}

func (e RunPaused) GetType() EventType { return RunPausedEvent }

type RunResumed struct {
	BaseEvent

	NodeID string         `json:"node_id"`
	Update map[string]any `json:"update,omitempty"`
}

func (e RunResumed) GetType() EventType { return RunResumedEvent }

type NodeStarted struct {
	BaseEvent

	NodeID   string          `json:"node_id"`
	NodeKind models.NodeKind `json:"node_kind"`
}

func (e NodeStarted) GetType() EventType { return NodeStartedEvent }

type NodeFinished struct {
	BaseEvent

	NodeID   string          `json:"node_id"`
	NodeKind models.NodeKind `json:"node_kind"`
	NextNode string          `json:"next_node,omitempty"`
}

func (e NodeFinished) GetType() EventType { return NodeFinishedEvent }
