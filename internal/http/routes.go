package http

import (
	"time"

	"cashflow/internal/http/handlers"
	"cashflow/internal/http/middleware"
	"cashflow/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouteOptions carries what both APIs share: limits, auth and health
type RouteOptions struct {
	Health            *handlers.HealthHandler
	Limiter           *middleware.RateLimiter
	APIRateLimit      int
	APIRateWindow     time.Duration
	MerchantRateLimit int
	JWTSecret         string
}

func registerCommon(r *gin.Engine, opts RouteOptions) *gin.RouterGroup {
	r.Use(middleware.RequestMetrics())

	// Health checks (no rate limiting)
	if opts.Health != nil {
		r.GET("/health", opts.Health.Health)
		r.GET("/healthz", opts.Health.Liveness)
		r.GET("/readyz", opts.Health.Readiness)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(opts.Limiter.PerClient(opts.APIRateLimit, opts.APIRateWindow))
	return v1
}

// RegisterTransactionRoutes mounts the ingestion API
func RegisterTransactionRoutes(r *gin.Engine, h *handlers.Handler, opts RouteOptions) {
	v1 := registerCommon(r, opts)
	auth := middleware.MerchantJWT(opts.JWTSecret)

	v1.POST("/merchants/:merchantId/transactions",
		auth,
		opts.Limiter.PerMerchant(opts.MerchantRateLimit, opts.APIRateWindow),
		h.CreateTransaction,
	)
	v1.GET("/transactions/:id", auth, h.GetTransaction)
}

// RegisterConsolidationRoutes mounts the query API and the live stream
func RegisterConsolidationRoutes(r *gin.Engine, h *handlers.Handler, hub *ws.Hub, allowedOrigin string, opts RouteOptions) {
	v1 := registerCommon(r, opts)
	auth := middleware.MerchantJWT(opts.JWTSecret)

	merchants := v1.Group("/merchants/:merchantId", auth)
	{
		merchants.GET("/consolidations/daily", h.DailyConsolidation)
		merchants.GET("/consolidations", h.ListConsolidations)
	}

	if hub != nil {
		r.GET("/ws/merchants/:merchantId/consolidations", auth, ws.HandleWS(hub, allowedOrigin))
	}
}
