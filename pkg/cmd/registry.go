package cmd

import (
	"log/slog"

	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/tasks"
)

// NewRegistry builds a task registry with the native tasks bound. Embedding
// applications register their own tasks on the returned registry before
// starting the worker.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)
	tasks.RegisterNativeTasks(reg)

	return reg
}
