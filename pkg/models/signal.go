package models

import "time"

// SignalType enumerates the control requests a run can receive.
type SignalType string

const (
	SignalPauseRequest  SignalType = "pause_request"
	SignalResumeRequest SignalType = "resume_request"
	SignalCancelRequest SignalType = "cancel_request"
)

// Signal is a durably queued control request. It is created by the control
// surface and claimed exactly once by whichever controller instance wins the
// atomic claim; the core never deletes signals.
type Signal struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id" validate:"required"`
	Type        SignalType     `json:"type"   validate:"required,oneof=pause_request resume_request cancel_request"`
	Payload     map[string]any `json:"payload,omitempty"`
	Processed   bool           `json:"processed"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}
