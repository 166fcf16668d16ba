// Package tasks ships the built-in task functions every deployment gets:
// logging, delays and HTTP requests. Applications register their own tasks
// alongside these.
package tasks

import "github.com/loomworks/loom/pkg/registry"

// RegisterNativeTasks binds the built-in tasks into the default scope.
func RegisterNativeTasks(reg *registry.Registry) {
	reg.MustRegister("log", LogTask, registry.DefaultScope)
	reg.MustRegister("delay", DelayTask, registry.DefaultScope)
	reg.MustRegister("http.request", HTTPRequestTask, registry.DefaultScope)
}
