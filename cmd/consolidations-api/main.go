package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cashflow/internal/broker"
	"cashflow/internal/config"
	"cashflow/internal/db"
	httpServer "cashflow/internal/http"
	"cashflow/internal/http/handlers"
	"cashflow/internal/http/middleware"
	"cashflow/internal/logger"
	"cashflow/internal/repository"
	"cashflow/internal/service"
	"cashflow/internal/ws"

	"github.com/gin-gonic/gin"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logger.Init("consolidations-api", cfg.LogLevel, cfg.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  service.ConsolidationStore
		pinger handlers.Pinger
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		store = repository.NewMemoryConsolidationStore()
		logger.Warn("using in-memory consolidation store")
	default:
		pool := db.Connect(ctx, cfg.DatabaseURL)
		defer pool.Close()
		store = repository.NewConsolidationRepository(pool)
		pinger = pool
	}

	svc := service.NewConsolidationService(store)
	hub := ws.NewHub()
	svc.OnApplied(hub.Broadcast)

	consumer := broker.NewConsumer(cfg.AMQPURL, broker.TopologyFromConfig(cfg.Broker), svc, broker.ConsumerOptions{
		MaxAttempts:     cfg.Consumer.MaxAttempts,
		RetryBackoff:    cfg.Consumer.RetryBackoff,
		ShutdownTimeout: cfg.Consumer.ShutdownTimeout,
		ConnectAttempts: cfg.Broker.ConnectAttempts,
	})
	if err := consumer.Setup(ctx); err != nil {
		if errors.Is(err, broker.ErrTopology) || ctx.Err() != nil {
			logger.Fatal("consumer setup failed", "error", err)
		}
		// queries keep working; Run keeps reconnecting in the background
		logger.Error("broker unavailable at startup", "error", err)
	}
	consumer.Start(ctx)

	limiter := middleware.NewRedisRateLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer limiter.Close()

	r := gin.Default()
	r.Use(middleware.CORS(cfg.AllowedOrigin))
	httpServer.RegisterConsolidationRoutes(r, handlers.NewConsolidationsHandler(svc), hub, cfg.AllowedOrigin, httpServer.RouteOptions{
		Health:        handlers.NewHealthHandler(pinger, consumer, version, true),
		Limiter:       limiter,
		APIRateLimit:  cfg.APIRateLimit,
		APIRateWindow: cfg.APIRateWindow,
		JWTSecret:     cfg.JWTSecret,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("consolidations api started", "port", cfg.AppPort, "store", cfg.StoreDriver, "queue", cfg.Broker.Queue)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", "error", err)
		}
	}()

	var consumerErr error
	select {
	case <-ctx.Done():
	case <-consumer.Done():
		// Run only returns early on a topology error
		consumerErr = consumer.Err()
		logger.Error("consumer exited", "error", consumerErr)
	}
	logger.Info("shutting down...")

	if err := consumer.Stop(); err != nil {
		logger.Error("consumer shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	if consumerErr != nil {
		logger.Fatal("consumer stopped on a fatal error", "error", consumerErr)
	}
	logger.Info("server exited")
}
