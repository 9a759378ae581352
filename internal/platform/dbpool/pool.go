package dbpool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/todo-1m/realtime/internal/platform/config"
)

func New(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	applyLimits(poolCfg, cfg)
	return pgxpool.NewWithConfig(ctx, poolCfg)
}

func applyLimits(poolCfg *pgxpool.Config, cfg config.DatabaseConfig) {
	minConns, maxConns := cfg.MinConns, cfg.MaxConns
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	if minConns >= 0 && minConns <= poolCfg.MaxConns {
		poolCfg.MinConns = minConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
}
