// Package main provides the Loom worker: the process that executes runs.
package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/pkg/eventbus"
	"github.com/loomworks/loom/pkg/flow"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/runner"
	"github.com/loomworks/loom/pkg/store"
	"go.opentelemetry.io/otel/trace"
)

// Worker wires the run manager and the schedule watcher over one store and
// drives them until the process context is cancelled.
type Worker struct {
	workerID  string
	store     store.Store
	eventBus  eventbus.EventBus
	registry  *registry.Registry
	logger    *slog.Logger
	tracer    trace.Tracer
	pollEvery time.Duration
}

func NewWorker(
	workerID string,
	st store.Store,
	eventBus eventbus.EventBus,
	reg *registry.Registry,
	logger *slog.Logger,
	tracer trace.Tracer,
	pollEvery time.Duration,
) *Worker {
	return &Worker{
		workerID:  workerID,
		store:     st,
		eventBus:  eventBus,
		registry:  reg,
		logger:    logger,
		tracer:    tracer,
		pollEvery: pollEvery,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	controller := runner.NewController(w.store, w.registry, w.eventBus, w.logger, w.tracer, w.workerID)
	manager := runner.NewManager(w.store, controller, w.eventBus, w.logger, w.workerID, w.pollEvery)

	flowService := flow.NewService(w.store, w.logger)
	scheduler := flow.NewScheduler(w.store, flowService, w.logger, flow.DefaultReloadInterval)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	defer scheduler.Stop()

	return manager.Start(ctx)
}
