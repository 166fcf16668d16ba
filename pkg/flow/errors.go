package flow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunFinished rejects control requests against terminal runs.
	ErrRunFinished = errors.New("run already finished")

	// ErrNotPublished rejects run starts against unpublished versions.
	ErrNotPublished = errors.New("flow version is not published")
)

// InputValidationError reports run input that failed the flow version's
// input schema.
type InputValidationError struct {
	FlowVersionID string
	Violations    []string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("input for flow version %s invalid: %s",
		e.FlowVersionID, strings.Join(e.Violations, "; "))
}

// PublishError reports a draft definition rejected at publish time.
type PublishError struct {
	FlowID string
	Reason string
	Err    error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot publish flow %s: %s: %v", e.FlowID, e.Reason, e.Err)
	}

	return fmt.Sprintf("cannot publish flow %s: %s", e.FlowID, e.Reason)
}

func (e *PublishError) Unwrap() error { return e.Err }
