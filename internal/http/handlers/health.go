package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerStatus reports broker connectivity for readiness
type BrokerStatus interface {
	Connected() bool
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db        Pinger
	broker    BrokerStatus
	startTime time.Time
	version   string
	// brokerRequired makes a disconnected broker fail readiness. The ingestion
	// API leaves it false: it keeps accepting writes while the broker is down.
	brokerRequired bool
}

// NewHealthHandler creates a new health handler. db and broker may be nil.
func NewHealthHandler(db Pinger, broker BrokerStatus, version string, brokerRequired bool) *HealthHandler {
	return &HealthHandler{
		db:             db,
		broker:         broker,
		startTime:      time.Now(),
		version:        version,
		brokerRequired: brokerRequired,
	}
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Liveness returns simple alive status (for k8s liveness probe)
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness returns detailed health status (for k8s readiness probe)
func (h *HealthHandler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "memory"
	}

	if h.broker != nil {
		if h.broker.Connected() {
			checks["broker"] = "healthy"
		} else {
			checks["broker"] = "disconnected"
			if h.brokerRequired {
				allHealthy = false
			}
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	checks["memory_alloc_mb"] = formatMB(m.Alloc)

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, HealthResponse{
		Status:    status,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}

// Health is a combined endpoint for basic health checks
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unavailable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": h.version,
	})
}

func formatMB(bytes uint64) string {
	mb := float64(bytes) / 1024 / 1024
	return fmt.Sprintf("%.2f", mb)
}
