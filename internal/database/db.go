// Package database owns the PostgreSQL connection pool and schema migrations.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// NewPool creates a pgx connection pool and verifies connectivity.
func NewPool(ctx context.Context, dsn string, maxConns int, idleTimeout time.Duration, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}
	if idleTimeout > 0 {
		poolConfig.MaxConnIdleTime = idleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database",
		zap.Int32("maxConns", poolConfig.MaxConns),
		zap.Duration("idleTimeout", poolConfig.MaxConnIdleTime))
	return pool, nil
}
