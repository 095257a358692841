package handlers

import (
	"net/http"
	"strings"

	"cashflow/internal/domain"

	"github.com/gin-gonic/gin"
)

// DailyConsolidation handles GET /api/v1/merchants/:merchantId/consolidations/daily?date=YYYY-MM-DD
func (h *Handler) DailyConsolidation(c *gin.Context) {
	merchantID := strings.TrimSpace(c.Param("merchantId"))
	date, err := domain.ParseDay(c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	row, err := h.Consolidations.GetDailyConsolidation(c.Request.Context(), merchantID, date)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

// ListConsolidations handles GET /api/v1/merchants/:merchantId/consolidations?from=&to=
func (h *Handler) ListConsolidations(c *gin.Context) {
	merchantID := strings.TrimSpace(c.Param("merchantId"))
	from, err := domain.ParseDay(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYY-MM-DD"})
		return
	}
	to, err := domain.ParseDay(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be YYYY-MM-DD"})
		return
	}

	rows, err := h.Consolidations.ListConsolidations(c.Request.Context(), merchantID, from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"merchantId":     merchantID,
		"from":           from.Format(domain.DateLayout),
		"to":             to.Format(domain.DateLayout),
		"consolidations": rows,
	})
}
