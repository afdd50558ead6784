package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/enhancr/api/internal/middleware"
	"github.com/enhancr/api/internal/model"
	"github.com/enhancr/api/internal/service"
	"github.com/enhancr/api/pkg/response"
)

type TokenHandler struct {
	ledger    *service.LedgerService
	validator *validator.Validate
}

func NewTokenHandler(ledger *service.LedgerService, v *validator.Validate) *TokenHandler {
	return &TokenHandler{
		ledger:    ledger,
		validator: v,
	}
}

// Balance handles GET /api/tokens/balance
// @Summary      Get token balance
// @Description  Get the caller's current token balance after passive regeneration
// @Tags         Tokens
// @Produce      json
// @Success      200 {object} model.BalanceResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tokens/balance [get]
func (h *TokenHandler) Balance(c *fiber.Ctx) error {
	acct, err := h.ledger.GetBalance(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, model.BalanceResponse{
		Balance:     acct.Balance,
		MaxBalance:  acct.MaxBalance,
		LastRegenAt: acct.LastRegenAt,
	})
}

// Transactions handles GET /api/tokens/transactions
// @Summary      List ledger transactions
// @Description  List the caller's most recent token ledger entries
// @Tags         Tokens
// @Produce      json
// @Param        limit query int false "Maximum entries to return (default 50)"
// @Success      200 {array} model.Transaction
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tokens/transactions [get]
func (h *TokenHandler) Transactions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)

	txns, err := h.ledger.ListTransactions(c.Context(), middleware.GetUserID(c), limit)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, txns)
}

// Credit handles POST /api/tokens/credit
// @Summary      Apply billing credit
// @Description  Credit purchased tokens; replays of the same billing reference are no-ops
// @Tags         Tokens
// @Accept       json
// @Produce      json
// @Param        request body model.CreditRequest true "Credit request"
// @Success      200 {object} model.CreditResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tokens/credit [post]
func (h *TokenHandler) Credit(c *fiber.Ctx) error {
	var req model.CreditRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	balance, applied, err := h.ledger.Credit(c.Context(), middleware.GetUserID(c), req.Amount, req.Reference)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, model.CreditResponse{Balance: balance, Applied: applied})
}
