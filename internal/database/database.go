// Package database stores WMI events in PostgreSQL.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/nmslite/wmipoller/internal/config"
	"github.com/pressly/goose/v3"
)

// NewPool opens and pings a connection pool for the postgres sink
func NewPool(ctx context.Context, cfg *config.PostgresSinkConfig) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func poolConfig(cfg *config.PostgresSinkConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.Pool.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.Pool.MaxConns)
	}
	if cfg.Pool.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.Pool.MinConns)
	}
	if d := cfg.Pool.MaxConnLifetime(); d > 0 {
		poolCfg.MaxConnLifetime = d
	}
	if d := cfg.Pool.MaxConnIdleTime(); d > 0 {
		poolCfg.MaxConnIdleTime = d
	}
	if d := cfg.Pool.HealthCheckPeriod(); d > 0 {
		poolCfg.HealthCheckPeriod = d
	}
	return poolCfg, nil
}

// RunMigrations applies the embedded migrations through a database/sql
// handle borrowed from pool.
func RunMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(EmbeddedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	return nil
}
