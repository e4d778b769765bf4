package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/imagebatch/internal/middleware"
	"github.com/makeasinger/imagebatch/internal/model"
	"github.com/makeasinger/imagebatch/internal/service"
	"github.com/makeasinger/imagebatch/pkg/response"
)

// BatchService is satisfied by *service.BatchService
type BatchService interface {
	StartBatch(ctx context.Context, userID string, req *model.BatchStartRequest) (*model.BatchStartResponse, error)
	GetStatus(ctx context.Context, batchID string) (*model.BatchStatusResponse, error)
	GetResults(ctx context.Context, userID, batchID string) (*model.BatchResultsResponse, error)
}

type BatchHandler struct {
	service   BatchService
	validator *validator.Validate
}

func NewBatchHandler(svc BatchService, v *validator.Validate) *BatchHandler {
	return &BatchHandler{
		service:   svc,
		validator: v,
	}
}

// Start handles POST /api/batches
func (h *BatchHandler) Start(c *fiber.Ctx) error {
	var req model.BatchStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.StartBatch(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			return response.ValidationError(c, err.Error(), nil)
		case errors.Is(err, service.ErrBatchExists):
			return response.Conflict(c, req.BatchID)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/batches/:batchId/status
func (h *BatchHandler) Status(c *fiber.Ctx) error {
	batchID := c.Params("batchId")
	if batchID == "" {
		return response.ValidationError(c, "Batch ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), batchID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Batch not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Results handles GET /api/batches/:batchId/results
func (h *BatchHandler) Results(c *fiber.Ctx) error {
	batchID := c.Params("batchId")
	if batchID == "" {
		return response.ValidationError(c, "Batch ID is required", nil)
	}

	result, err := h.service.GetResults(c.UserContext(), middleware.GetUserID(c), batchID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Batch not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
