package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/loomworks/loom/pkg/flow"
	"github.com/loomworks/loom/pkg/graph"
	"github.com/loomworks/loom/pkg/store"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps service and store errors onto problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	var inputErr *flow.InputValidationError

	var publishErr *flow.PublishError

	var validationErr *graph.ValidationError

	switch {
	case store.IsFlowNotFound(err):
		return notFound(c, "flow not found")

	case store.IsVersionNotFound(err):
		return notFound(c, "flow version not found")

	case store.IsRunNotFound(err):
		return notFound(c, "run not found")

	case errors.Is(err, store.ErrCheckpointNotFound):
		return notFound(c, "no checkpoint recorded for run")

	case errors.Is(err, flow.ErrRunFinished):
		return conflict(c, "run_finished", err.Error())

	case errors.Is(err, flow.ErrNotPublished):
		return conflict(c, "version_not_published", err.Error())

	case errors.Is(err, store.ErrVersionExists):
		return conflict(c, "version_exists", err.Error())

	case errors.Is(err, store.ErrRunExists):
		return conflict(c, "run_exists", err.Error())

	case errors.As(err, &inputErr):
		return badRequest(c, inputErr.Error())

	case errors.As(err, &publishErr):
		return badRequest(c, publishErr.Error())

	case errors.As(err, &validationErr):
		return badRequest(c, validationErr.Error())

	default:
		return internalError(c, err)
	}
}
