package web

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/flow"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/store"
)

type APIHandlers struct {
	flowService *flow.Service
	publishing  *flow.PublishingService
	store       store.Store
	validator   *validator.Validate
	registry    *registry.Registry
	watcher     *flow.EventWatcher
}

func NewAPIHandlers(
	flowService *flow.Service,
	publishing *flow.PublishingService,
	st store.Store,
	validator *validator.Validate,
	registry *registry.Registry,
	watcher *flow.EventWatcher,
) *APIHandlers {
	return &APIHandlers{
		flowService: flowService,
		publishing:  publishing,
		store:       st,
		validator:   validator,
		registry:    registry,
		watcher:     watcher,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Loom API is healthy"
	httpStatus := http.StatusOK
	storeCheck := "store is healthy"

	if err := h.store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "Loom API is unhealthy"
		httpStatus = http.StatusInternalServerError
		storeCheck = "store is unhealthy: " + err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"store": storeCheck,
			"tasks": h.registry.References(registry.DefaultScope),
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.publishing.CreateFlow(c.Context(), &models.Flow{
		Name:        req.Name,
		Description: req.Description,
		Metadata:    req.Metadata,
		Owner:       req.Owner,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	flows, err := h.store.Flows().ListFlows(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"flows": flows})
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	f, err := h.store.Flows().FlowByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(f)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req UpdateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.store.Flows().FlowByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}

	if req.Description != nil {
		existing.Description = *req.Description
	}

	if req.Metadata != nil {
		existing.Metadata = req.Metadata
	}

	updated, err := h.publishing.UpdateFlow(c.Context(), id, existing)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) PublishVersion(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req PublishVersionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	version, err := h.publishing.Publish(c.Context(), id, &models.FlowVersion{
		Nodes:       req.Nodes,
		Edges:       req.Edges,
		Schedule:    req.Schedule,
		InputSchema: req.InputSchema,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

func (h *APIHandlers) GetVersions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	versions, err := h.store.Flows().ListVersions(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"versions": versions})
}

func (h *APIHandlers) GetVersion(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Version ID is required")
	}

	version, err := h.store.Flows().VersionByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

// StartRun starts a run of the flow's current published version.
func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req StartRunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	run, err := h.flowService.Start(c.Context(), id, req.RunID, req.Input)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

// StartVersionRun starts a run of one specific published version.
func (h *APIHandlers) StartVersionRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Version ID is required")
	}

	var req StartRunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	run, err := h.flowService.StartVersion(c.Context(), id, req.RunID, req.Input)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	statusStr := c.Query("status")
	if statusStr == "" {
		return badRequest(c, "status query parameter is required")
	}

	runs, err := h.flowService.ListRuns(c.Context(), models.RunStatus(statusStr))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"runs": runs})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	view, err := h.flowService.Status(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(view)
}

func (h *APIHandlers) GetRunCheckpoints(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	checkpoints, err := h.flowService.History(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"checkpoints": checkpoints})
}

// StreamRunEvents streams a run's lifecycle events as server-sent events.
// The stream ends when the run reaches a terminal state or the client
// disconnects; events emitted before the subscription are not replayed.
func (h *APIHandlers) StreamRunEvents(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	if _, err := h.store.Runs().RunByID(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	ch, cancel := h.watcher.SubscribeRunEvents(id)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		for event := range ch {
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.GetType(), payload); err != nil {
				return
			}

			if err := w.Flush(); err != nil {
				return
			}

			if terminalEvent(event.GetType()) {
				return
			}
		}
	})
}

func terminalEvent(eventType events.EventType) bool {
	switch eventType {
	case events.RunCompletedEvent, events.RunFailedEvent, events.RunCancelledEvent:
		return true
	default:
		return false
	}
}

// PauseRun queues a pause request; 202 means queued, not yet applied.
func (h *APIHandlers) PauseRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	signal, err := h.flowService.RequestPause(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(signalResponse(signal))
}

func (h *APIHandlers) ResumeRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	var req ResumeRunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	signal, err := h.flowService.RequestResume(c.Context(), id, req.Update)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(signalResponse(signal))
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	signal, err := h.flowService.RequestCancel(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(signalResponse(signal))
}

func signalResponse(signal *models.Signal) SignalResponse {
	return SignalResponse{
		SignalID: signal.ID,
		RunID:    signal.RunID,
		Type:     string(signal.Type),
		QueuedAt: signal.CreatedAt.Format(time.RFC3339Nano),
	}
}
