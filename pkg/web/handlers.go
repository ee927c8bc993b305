// Package web exposes the operator surface over HTTP. Authentication is the
// embedding application's responsibility; these handlers assume the caller
// is already authorized.
package web

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/operator"
	"github.com/perdura/perdura/pkg/orchestrator"
	"github.com/perdura/perdura/pkg/store"
)

type APIHandlers struct {
	operator  *operator.Service
	engine    *orchestrator.Orchestrator
	validator *validator.Validate
}

func NewAPIHandlers(operatorService *operator.Service, engine *orchestrator.Orchestrator) *APIHandlers {
	return &APIHandlers{
		operator:  operatorService,
		engine:    engine,
		validator: validator.New(),
	}
}

func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/executions", h.ListExecutions)
	app.Post("/executions", h.StartExecution)
	app.Get("/executions/:id", h.GetExecutionDetail)
	app.Post("/executions/:id/signal", h.Signal)
	app.Post("/executions/:id/cancel", h.Cancel)
	app.Post("/executions/:id/retry-rollback", h.RetryRollback)
	app.Post("/executions/:id/skip-step", h.SkipStep)
	app.Post("/executions/:id/force-fail", h.ForceFail)
	app.Put("/executions/:id/step-results", h.EditStepResult)
	app.Get("/schedules", h.ListSchedules)
	app.Post("/schedules", h.EnsureSchedule)
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	filter, err := parseExecutionFilter(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	executions, err := h.operator.ListExecutions(c.Context(), *filter)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions": executions,
		"pagination": fiber.Map{
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

func parseExecutionFilter(c fiber.Ctx) (*store.ExecutionFilter, error) {
	filter := &store.ExecutionFilter{TaskID: c.Query("task_id")}

	if statusStr := c.Query("status"); statusStr != "" {
		filter.Status = []models.ExecutionStatus{models.ExecutionStatus(statusStr)}
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		filter.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		filter.Offset = offset
	}

	return filter, nil
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	executionID, err := h.engine.Start(c.Context(), req.TaskID, req.Input, orchestrator.StartOptions{
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
		TimeoutMS:      req.TimeoutMS,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"execution_id": executionID})
}

func (h *APIHandlers) GetExecutionDetail(c fiber.Ctx) error {
	detail, err := h.operator.GetExecutionDetail(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(detail)
}

func (h *APIHandlers) Signal(c fiber.Ctx) error {
	var req SignalRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.engine.Signal(c.Context(), c.Params("id"), models.SignalID(req.Signal), req.Payload)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) Cancel(c fiber.Ctx) error {
	var req CancelRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.engine.CancelExecution(c.Context(), c.Params("id"), req.Reason); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) RetryRollback(c fiber.Ctx) error {
	if err := h.operator.RetryRollback(c.Context(), c.Params("id")); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) SkipStep(c fiber.Ctx) error {
	var req SkipStepRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.operator.SkipStep(c.Context(), c.Params("id"), req.StepID, req.Value); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ForceFail(c fiber.Ctx) error {
	var req ForceFailRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.operator.ForceFail(c.Context(), c.Params("id"), req.Reason); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) EditStepResult(c fiber.Ctx) error {
	var req EditStepResultRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.operator.EditStepResult(c.Context(), c.Params("id"), req.StepID, req.Value); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ListSchedules(c fiber.Ctx) error {
	schedules, err := h.operator.ListSchedules(c.Context())
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"schedules": schedules})
}

func (h *APIHandlers) EnsureSchedule(c fiber.Ctx) error {
	var req EnsureScheduleRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	schedule, err := h.engine.EnsureSchedule(c.Context(), req.TaskID, req.Input, orchestrator.ScheduleOptions{
		ID:         req.ID,
		Cron:       req.Cron,
		IntervalMS: req.IntervalMS,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(schedule)
}
