// Package web provides the HTTP trigger API for flows.
package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/stepflow/pkg/config"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/registry"
	"github.com/dukex/stepflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const defaultRunsLimit = 20

type APIHandlers struct {
	persistence persistence.Persistence
	runner      *workflow.FlowRunner
	registry    *registry.Registry
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	persistence persistence.Persistence,
	runner *workflow.FlowRunner,
	registry *registry.Registry,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: persistence,
		runner:      runner,
		registry:    registry,
		validator:   validator,
		logger:      logger,
	}
}

// Routes mounts every endpoint on the router.
func (h *APIHandlers) Routes(router fiber.Router) {
	f := router.Group("/flows")
	f.Get("/", h.ListFlows)
	f.Post("/", h.SaveFlow)
	f.Get("/:alias", h.GetFlow)
	f.Delete("/:alias", h.DeleteFlow)
	f.Get("/:alias/plan", h.GetPlan)
	f.Get("/:alias/runs", h.ListRuns)
	f.Post("/:alias/runs", h.RunFlow)

	router.Get("/runs/:id", h.GetRun)
	router.Post("/steps/:id/invalidate", h.InvalidateStep)
	router.Get("/prototypes", h.ListPrototypes)
	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) ListFlows(c fiber.Ctx) error {
	flows, err := h.persistence.FlowRepository().Flows(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	summaries := make([]FlowSummary, 0, len(flows))
	for _, flow := range flows {
		summaries = append(summaries, newFlowSummary(flow))
	}

	return c.JSON(fiber.Map{
		"flows":       summaries,
		"total_count": len(summaries),
	})
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flow, err := h.persistence.FlowRepository().FlowByAlias(c.Context(), c.Params("alias"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(flow)
}

// SaveFlow creates or replaces a flow definition.
func (h *APIHandlers) SaveFlow(c fiber.Ctx) error {
	var flow models.Flow
	if err := c.Bind().JSON(&flow); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if flow.ID == "" {
		flow.ID = flow.Alias
	}

	for _, step := range flow.Steps {
		if step != nil {
			step.FlowID = flow.ID
		}
	}

	if err := config.ValidateFlow(&flow); err != nil {
		return handleError(c, err)
	}

	if err := h.registry.Validate(&flow); err != nil {
		return badRequest(c, err.Error())
	}

	flow.Steps = models.SortByLevel(flow.Steps)

	if err := h.persistence.FlowRepository().SaveFlow(c.Context(), &flow); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(&flow)
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	if err := h.persistence.FlowRepository().DeleteFlow(c.Context(), c.Params("alias")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetPlan(c fiber.Ctx) error {
	flow, plan, err := h.runner.Plan(c.Context(), c.Params("alias"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(newPlanResponse(flow, plan))
}

// RunFlow executes a flow and streams its progress as plain text. The last
// line carries the final status.
func (h *APIHandlers) RunFlow(c fiber.Ctx) error {
	alias := c.Params("alias")

	var req RunFlowRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	if _, err := h.persistence.FlowRepository().FlowByAlias(c.Context(), alias); err != nil {
		return handleError(c, err)
	}

	// The request context is recycled once the handler returns while the
	// body is still streaming.
	execution := h.runner.Run(context.Background(), alias, req.Params)
	logger := h.logger.With("flow_alias", alias, "flow_run_id", execution.FlowRunID())

	pr, pw := io.Pipe()

	go func() {
		status, err := execution.StreamTo(pw)
		if err != nil {
			logger.Warn("Flow run over HTTP ended with an error", "status", status, "error", err)
		}

		_, _ = fmt.Fprintf(pw, "%s%s\n", StatusLinePrefix, status)
		_ = pw.Close()
	}()

	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	c.Set(HeaderFlowRunID, execution.FlowRunID())

	return c.SendStream(pr)
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	limit := defaultRunsLimit

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		limit = parsed
	}

	flow, err := h.persistence.FlowRepository().FlowByAlias(c.Context(), c.Params("alias"))
	if err != nil {
		return handleError(c, err)
	}

	runs, err := h.persistence.RunLedger().FlowRunsByFlow(c.Context(), flow.ID, limit)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs":        runs,
		"total_count": len(runs),
	})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	ledger := h.persistence.RunLedger()

	run, err := ledger.FlowRunByID(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	stepRuns, err := ledger.StepRunsByFlowRun(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	notes, err := h.persistence.NoteRepository().NotesByFlowRun(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(RunDetails{Run: run, StepRuns: stepRuns, Notes: notes})
}

// InvalidateStep makes the next run of a step start without continuation state.
func (h *APIHandlers) InvalidateStep(c fiber.Ctx) error {
	stepID := c.Params("id")

	count, err := h.persistence.RunLedger().InvalidateStepRuns(c.Context(), stepID)
	if err != nil {
		return handleError(c, err)
	}

	h.logger.Info("Invalidated step runs", "step_id", stepID, "count", count)

	return c.JSON(fiber.Map{
		"step_id":     stepID,
		"invalidated": count,
	})
}

func (h *APIHandlers) ListPrototypes(c fiber.Ctx) error {
	factories := h.registry.Factories()

	prototypes := make([]PrototypeResponse, 0, len(factories))
	for _, factory := range factories {
		prototypes = append(prototypes, PrototypeResponse{
			ID:          factory.ID(),
			Name:        factory.Name(),
			Description: factory.Description(),
			Schema:      factory.Schema(),
		})
	}

	return c.JSON(prototypes)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "stepflow API is healthy"
	httpStatus := http.StatusOK

	repositoryCheck := "ok"
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		repositoryCheck = err.Error()
		status = "unhealthy"
		message = "stepflow API is unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"prototypes": len(h.registry.Factories()),
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
