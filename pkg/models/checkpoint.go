package models

import "time"

// Checkpoint is a durable snapshot of run data taken at a safe point.
// Sequence numbers for a run are strictly increasing and gap-free; a resume
// always restores from the highest sequence. Checkpoints are never mutated
// once written.
type Checkpoint struct {
	RunID     string         `json:"run_id"`
	Sequence  int            `json:"sequence"`
	NodeID    string         `json:"node_id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}
