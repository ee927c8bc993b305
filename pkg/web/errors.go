package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/perdura/perdura/pkg/operator"
	"github.com/perdura/perdura/pkg/registry"
	"github.com/perdura/perdura/pkg/store"
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

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
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

// handleEngineError maps engine and store errors onto problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrExecutionNotFound),
		errors.Is(err, store.ErrScheduleNotFound),
		errors.Is(err, registry.ErrTaskNotFound):
		return notFound(c, err.Error())
	case errors.Is(err, registry.ErrInvalidInput):
		return badRequest(c, err.Error())
	case errors.Is(err, operator.ErrNotCompensationFailed),
		errors.Is(err, operator.ErrAlreadyTerminal):
		return conflict(c, err.Error())
	default:
		return internalError(c, err)
	}
}
