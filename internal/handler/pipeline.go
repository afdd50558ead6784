package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/enhancr/api/internal/middleware"
	"github.com/enhancr/api/internal/model"
	"github.com/enhancr/api/internal/service"
	"github.com/enhancr/api/pkg/response"
)

type PipelineHandler struct {
	pipelines *service.PipelineService
	validator *validator.Validate
}

func NewPipelineHandler(pipelines *service.PipelineService, v *validator.Validate) *PipelineHandler {
	return &PipelineHandler{
		pipelines: pipelines,
		validator: v,
	}
}

// List handles GET /api/pipelines
// @Summary      List pipelines
// @Description  List the caller's pipelines plus public ones and system defaults
// @Tags         Pipelines
// @Produce      json
// @Success      200 {array} model.Pipeline
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines [get]
func (h *PipelineHandler) List(c *fiber.Ctx) error {
	pipelines, err := h.pipelines.List(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, pipelines)
}

// Create handles POST /api/pipelines
// @Summary      Create pipeline
// @Description  Create a user-owned pipeline; omitted stage config falls back to the default
// @Tags         Pipelines
// @Accept       json
// @Produce      json
// @Param        request body model.PipelineCreateRequest true "Pipeline create request"
// @Success      201 {object} model.Pipeline
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines [post]
func (h *PipelineHandler) Create(c *fiber.Ctx) error {
	var req model.PipelineCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	pipeline, err := h.pipelines.Create(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Created(c, pipeline)
}

// Get handles GET /api/pipelines/:pipelineId
// @Summary      Get pipeline
// @Description  Get a pipeline visible to the caller
// @Tags         Pipelines
// @Produce      json
// @Param        pipelineId path string true "Pipeline ID"
// @Success      200 {object} model.Pipeline
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines/{pipelineId} [get]
func (h *PipelineHandler) Get(c *fiber.Ctx) error {
	pipelineID := c.Params("pipelineId")
	if pipelineID == "" {
		return response.ValidationError(c, "Pipeline ID is required", nil)
	}

	pipeline, err := h.pipelines.Get(c.Context(), pipelineID, middleware.GetUserID(c))
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, pipeline)
}

// Update handles PUT /api/pipelines/:pipelineId
// @Summary      Update pipeline
// @Description  Update an owned pipeline; system defaults are immutable
// @Tags         Pipelines
// @Accept       json
// @Produce      json
// @Param        pipelineId path string true "Pipeline ID"
// @Param        request body model.PipelineUpdateRequest true "Pipeline update request"
// @Success      200 {object} model.Pipeline
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines/{pipelineId} [put]
func (h *PipelineHandler) Update(c *fiber.Ctx) error {
	pipelineID := c.Params("pipelineId")
	if pipelineID == "" {
		return response.ValidationError(c, "Pipeline ID is required", nil)
	}

	var req model.PipelineUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	pipeline, err := h.pipelines.Update(c.Context(), middleware.GetUserID(c), pipelineID, &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, pipeline)
}

// Delete handles DELETE /api/pipelines/:pipelineId
// @Summary      Delete pipeline
// @Description  Delete an owned pipeline; jobs keep their resolved snapshots
// @Tags         Pipelines
// @Produce      json
// @Param        pipelineId path string true "Pipeline ID"
// @Success      204
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines/{pipelineId} [delete]
func (h *PipelineHandler) Delete(c *fiber.Ctx) error {
	pipelineID := c.Params("pipelineId")
	if pipelineID == "" {
		return response.ValidationError(c, "Pipeline ID is required", nil)
	}

	if err := h.pipelines.Delete(c.Context(), middleware.GetUserID(c), pipelineID); err != nil {
		return serviceError(c, err)
	}

	return response.NoContent(c)
}

// Fork handles POST /api/pipelines/:pipelineId/fork
// @Summary      Fork pipeline
// @Description  Copy a visible pipeline into a new private one owned by the caller
// @Tags         Pipelines
// @Produce      json
// @Param        pipelineId path string true "Pipeline ID"
// @Success      201 {object} model.Pipeline
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines/{pipelineId}/fork [post]
func (h *PipelineHandler) Fork(c *fiber.Ctx) error {
	pipelineID := c.Params("pipelineId")
	if pipelineID == "" {
		return response.ValidationError(c, "Pipeline ID is required", nil)
	}

	fork, err := h.pipelines.Fork(c.Context(), middleware.GetUserID(c), pipelineID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Created(c, fork)
}
