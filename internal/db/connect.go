package db

import (
	"context"
	"time"

	"cashflow/internal/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	connectAttempts = 5
	connectBackoff  = time.Second
)

// Connect builds the pool and pings it, exiting the process if the database
// stays unreachable after a few attempts
func Connect(ctx context.Context, dsn string) *pgxpool.Pool {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Fatal("invalid database url", "error", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to create database pool", "error", err)
	}

	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = db.Ping(pingCtx)
		cancel()
		if err == nil {
			break
		}
		if attempt == connectAttempts {
			logger.Fatal("failed to ping database", "error", err, "attempts", attempt)
		}
		logger.Warn("database not ready, retrying", "error", err, "attempt", attempt)
		time.Sleep(time.Duration(attempt) * connectBackoff)
	}

	logger.Info("database connected", "max_conns", cfg.MaxConns)
	return db
}
