package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/enhancr/api/internal/middleware"
	"github.com/enhancr/api/internal/model"
	"github.com/enhancr/api/internal/service"
	"github.com/enhancr/api/pkg/response"
)

type EnhanceHandler struct {
	jobs      *service.JobService
	validator *validator.Validate
}

func NewEnhanceHandler(jobs *service.JobService, v *validator.Validate) *EnhanceHandler {
	return &EnhanceHandler{
		jobs:      jobs,
		validator: v,
	}
}

// Start handles POST /api/enhance/start
// @Summary      Start enhancement batch
// @Description  Create one or more enhancement jobs billed as a single atomic debit
// @Tags         Enhance
// @Accept       json
// @Produce      json
// @Param        request body model.EnhanceStartRequest true "Enhancement start request"
// @Success      202 {object} model.EnhanceStartResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      402 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/enhance/start [post]
func (h *EnhanceHandler) Start(c *fiber.Ctx) error {
	var req model.EnhanceStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.jobs.CreateBatch(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/enhance/status/:jobId
// @Summary      Get job status
// @Description  Get the current status snapshot of an enhancement job
// @Tags         Enhance
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/enhance/status/{jobId} [get]
func (h *EnhanceHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.jobs.GetForUser(c.Context(), middleware.GetUserID(c), jobID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, job.Snapshot())
}

// Result handles GET /api/enhance/result/:jobId
// @Summary      Get job result
// @Description  Get the enhanced image result of a completed job
// @Tags         Enhance
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobResult
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/enhance/result/{jobId} [get]
func (h *EnhanceHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.jobs.GetForUser(c.Context(), middleware.GetUserID(c), jobID)
	if err != nil {
		return serviceError(c, err)
	}

	snap := job.Snapshot()
	if snap.Result == nil {
		return response.Conflict(c, "Job is not completed")
	}

	return response.OK(c, snap.Result)
}

// Cancel handles POST /api/enhance/cancel/:jobId
// @Summary      Cancel job
// @Description  Cancel a pending or processing enhancement job; the job's cost is refunded
// @Tags         Enhance
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobCancelResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/enhance/cancel/{jobId} [post]
func (h *EnhanceHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.jobs.Cancel(c.Context(), middleware.GetUserID(c), jobID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Batch handles GET /api/enhance/batch/:batchId
// @Summary      Get batch status
// @Description  Get the aggregate status of all jobs in a batch
// @Tags         Enhance
// @Produce      json
// @Param        batchId path string true "Batch ID"
// @Success      200 {object} model.BatchStatusResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/enhance/batch/{batchId} [get]
func (h *EnhanceHandler) Batch(c *fiber.Ctx) error {
	batchID := c.Params("batchId")
	if batchID == "" {
		return response.ValidationError(c, "Batch ID is required", nil)
	}

	result, err := h.jobs.GetBatch(c.Context(), middleware.GetUserID(c), batchID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}
