package handlers

import (
	"fmt"
	"net/http"

	"cashflow/internal/domain"
	"cashflow/internal/http/middleware"
	"cashflow/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type createTransactionRequest struct {
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description *string         `json:"description"`
}

// CreateTransaction handles POST /api/v1/merchants/:merchantId/transactions.
// The response depends only on validation and persistence, never on the broker.
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	kind, err := domain.ParseTransactionType(req.Type)
	if err != nil {
		respondError(c, fmt.Errorf("%w: type must be DEBITO or CREDITO", service.ErrValidation))
		return
	}

	tx, err := h.Transactions.RecordTransaction(c.Request.Context(), c.Param("merchantId"), kind, req.Amount, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Location", "/api/v1/transactions/"+tx.ID.String())
	c.JSON(http.StatusCreated, tx)
}

// GetTransaction handles GET /api/v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	tx, err := h.Transactions.GetTransaction(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	// another merchant's transaction is reported as missing
	if claim, ok := c.Get(middleware.MerchantClaimKey); ok && !service.MerchantAllowed(claim.(string), tx.MerchantID) {
		respondError(c, service.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, tx)
}
