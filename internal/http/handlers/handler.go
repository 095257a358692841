package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cashflow/internal/domain"
	"cashflow/internal/logger"
	"cashflow/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionRecorder is the ingestion side used by the transactions API
type TransactionRecorder interface {
	RecordTransaction(ctx context.Context, merchantID string, kind domain.TransactionType, amount decimal.Decimal, description *string) (domain.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
}

// ConsolidationReader is the query side used by the consolidations API
type ConsolidationReader interface {
	GetDailyConsolidation(ctx context.Context, merchantID string, date time.Time) (*domain.DailyConsolidation, error)
	ListConsolidations(ctx context.Context, merchantID string, from, to time.Time) ([]domain.DailyConsolidation, error)
}

type Handler struct {
	Transactions   TransactionRecorder
	Consolidations ConsolidationReader
}

func NewTransactionsHandler(svc TransactionRecorder) *Handler {
	return &Handler{Transactions: svc}
}

func NewConsolidationsHandler(svc ConsolidationReader) *Handler {
	return &Handler{Consolidations: svc}
}

// respondError maps service errors onto status codes. Internal details are
// logged, never returned.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		logger.Error("request failed", "error", err, "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
