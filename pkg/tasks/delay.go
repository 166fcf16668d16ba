package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/registry"
)

// DelayTask sleeps for the configured duration, honouring context
// cancellation so node timeouts stay effective.
func DelayTask(ctx context.Context, tc registry.TaskContext) (map[string]any, error) {
	durationStr, _ := tc.Args["duration"].(string)
	if durationStr == "" {
		return nil, fmt.Errorf("delay task requires a 'duration' argument")
	}

	duration, err := time.ParseDuration(durationStr)
	if err != nil {
		return nil, fmt.Errorf("invalid delay duration %q: %w", durationStr, err)
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"delayed": durationStr}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
