package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"distribution.app/pkg/config"
	"distribution.app/pkg/projection"
	"distribution.app/pkg/refresh"
)

// providePool opens the campaign database the views and parameters live in.
func providePool(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected", zap.Int32("max_conns", pool.Config().MaxConns))
	return pool, pool.Close, nil
}

func provideRefresher(pool *pgxpool.Pool) refresh.Refresher {
	return refresh.NewSQLRefresher(refresh.PgxExec(pool))
}

func provideParameterStore(pool *pgxpool.Pool) projection.ParameterStore {
	return projection.NewSQLStore(pool)
}
