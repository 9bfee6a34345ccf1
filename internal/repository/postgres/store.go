package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/spaceai-opscore/internal/infra"
)

// Schema — таблицы журнала алертов и почасовых бакетов запросов.
const Schema = `
CREATE TABLE IF NOT EXISTS resource_alerts (
	id            UUID PRIMARY KEY,
	instance_id   TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	status        TEXT NOT NULL,
	current_value DOUBLE PRECISION NOT NULL,
	threshold     DOUBLE PRECISION NOT NULL,
	message       TEXT NOT NULL,
	recovered     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS resource_alerts_created_at_idx ON resource_alerts (created_at DESC);

CREATE TABLE IF NOT EXISTS request_buckets (
	instance_id          TEXT NOT NULL,
	hour                 TIMESTAMPTZ NOT NULL,
	total_requests       BIGINT NOT NULL,
	by_endpoint          JSONB NOT NULL,
	total_response_ms    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (instance_id, hour)
);`

// NewPool открывает пул соединений и проверяет доступность базы.
func NewPool(ctx context.Context, cfg infra.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = int32(cfg.MinConns)
	}
	pcfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate создает таблицы, если их нет.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
