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

	"github.com/gin-gonic/gin"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logger.Init("transactions-api", cfg.LogLevel, cfg.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  service.TransactionStore
		outbox service.OutboxStore
		pinger handlers.Pinger
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		mem := repository.NewMemoryTransactionStore()
		store, outbox = mem, mem
		logger.Warn("using in-memory transaction store")
	default:
		pool := db.Connect(ctx, cfg.DatabaseURL)
		defer pool.Close()
		store = repository.NewTransactionRepository(pool)
		outbox = repository.NewOutboxRepository(pool)
		pinger = pool
	}

	publisher := broker.NewPublisher(cfg.AMQPURL, broker.TopologyFromConfig(cfg.Broker))
	defer publisher.Close()
	if err := publisher.Connect(ctx); err != nil {
		if errors.Is(err, broker.ErrTopology) {
			logger.Fatal("broker topology mismatch", "error", err)
		}
		// writes are accepted regardless; the publisher redials on demand
		logger.Warn("broker unavailable at startup", "error", err)
	}

	opts := service.TransactionOptions{
		RoutingKey:     cfg.Broker.RoutingKey,
		PublishTimeout: cfg.Broker.PublishTimeout,
	}
	var relay *service.OutboxRelay
	if cfg.Outbox.Enabled {
		opts.Outbox = outbox
		relay = service.NewOutboxRelay(outbox, publisher, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize)
		relay.Start(ctx)
		logger.Info("outbox relay started", "interval", cfg.Outbox.PollInterval.String())
	}
	svc := service.NewTransactionService(store, publisher, opts)

	limiter := middleware.NewRedisRateLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer limiter.Close()

	r := gin.Default()
	r.Use(middleware.CORS(cfg.AllowedOrigin))
	httpServer.RegisterTransactionRoutes(r, handlers.NewTransactionsHandler(svc), httpServer.RouteOptions{
		Health:            handlers.NewHealthHandler(pinger, publisher, version, false),
		Limiter:           limiter,
		APIRateLimit:      cfg.APIRateLimit,
		APIRateWindow:     cfg.APIRateWindow,
		MerchantRateLimit: cfg.MerchantRateLimit,
		JWTSecret:         cfg.JWTSecret,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("transactions api started", "port", cfg.AppPort, "store", cfg.StoreDriver, "outbox", cfg.Outbox.Enabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if relay != nil {
		<-relay.Done()
	}

	logger.Info("server exited")
}
