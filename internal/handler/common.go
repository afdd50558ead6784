package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/enhancr/api/internal/service"
	"github.com/enhancr/api/pkg/response"
)

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

// serviceError maps service-layer sentinel errors onto the API error
// taxonomy. Anything unrecognized is a 500.
func serviceError(c *fiber.Ctx, err error) error {
	var insufficient *service.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		return response.InsufficientBalance(c, insufficient.Required, insufficient.Available)
	case errors.Is(err, service.ErrValidation):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, service.ErrNotFound):
		return response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return response.Forbidden(c, err.Error())
	case errors.Is(err, service.ErrConflict):
		return response.Conflict(c, err.Error())
	case errors.Is(err, service.ErrTimeout):
		return response.Timeout(c, err.Error())
	case errors.Is(err, service.ErrExternalService):
		return response.ExternalServiceError(c, err.Error())
	}
	return response.ServiceError(c, err.Error())
}
