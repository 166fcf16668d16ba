package tasks

import (
	"context"

	"github.com/loomworks/loom/pkg/registry"
)

// LogTask writes the configured message and the run's current data to the
// run's logger. It produces no data update.
func LogTask(ctx context.Context, tc registry.TaskContext) (map[string]any, error) {
	message, _ := tc.Args["message"].(string)
	if message == "" {
		message = "Log task"
	}

	tc.Logger.InfoContext(ctx, message, "data", tc.Data)

	return nil, nil
}
