// Package database persists the pipeline's audit trail: emitted and
// suppressed signals, order submissions, fills, and the daily metrics
// row. Persistence is best-effort; a database outage never stops the
// trading loop, and a disabled configuration turns every call into a
// no-op.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool. A nil-pool DB is valid and
// discards every write.
type DB struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to the database at the given DSN. An empty DSN returns a
// disabled DB.
func New(ctx context.Context, dsn string, logger zerolog.Logger) (*DB, error) {
	db := &DB{logger: logger.With().Str("component", "database").Logger()}
	if dsn == "" {
		db.logger.Info().Msg("Database disabled, audit trail not persisted")
		return db, nil
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.pool = pool
	return db, nil
}

// Enabled reports whether writes reach a real database.
func (db *DB) Enabled() bool { return db != nil && db.pool != nil }

// Close releases the pool.
func (db *DB) Close() {
	if db.Enabled() {
		db.pool.Close()
	}
}

// Ping verifies connectivity for the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	if !db.Enabled() {
		return nil
	}
	return db.pool.Ping(ctx)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS signals (
		id BIGSERIAL PRIMARY KEY,
		signal_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(12) NOT NULL,
		side VARCHAR(8) NOT NULL,
		score DECIMAL(8, 5) NOT NULL,
		confidence DECIMAL(6, 4) NOT NULL,
		regime VARCHAR(16),
		event_type VARCHAR(32),
		source VARCHAR(16) NOT NULL,
		basket VARCHAR(32),
		emitted BOOLEAN NOT NULL,
		suppress_reason VARCHAR(32),
		entry DECIMAL(14, 4),
		stop DECIMAL(14, 4),
		target DECIMAL(14, 4),
		horizon_mins INT,
		trigger TEXT,
		created_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_symbol_created ON signals(symbol, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_reason ON signals(suppress_reason) WHERE emitted = FALSE`,

	`CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		order_id VARCHAR(64),
		signal_id VARCHAR(64) NOT NULL,
		idempotency_key VARCHAR(128) NOT NULL UNIQUE,
		symbol VARCHAR(12) NOT NULL,
		side VARCHAR(8) NOT NULL,
		qty DECIMAL(16, 6) NOT NULL,
		entry DECIMAL(14, 4),
		stop DECIMAL(14, 4),
		target DECIMAL(14, 4),
		status VARCHAR(24) NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_signal ON orders(signal_id)`,

	`CREATE TABLE IF NOT EXISTS fills (
		id BIGSERIAL PRIMARY KEY,
		order_id VARCHAR(64) NOT NULL,
		price DECIMAL(14, 4) NOT NULL,
		qty DECIMAL(16, 6) NOT NULL,
		filled_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id)`,

	`CREATE TABLE IF NOT EXISTS metrics_daily (
		day VARCHAR(8) PRIMARY KEY,
		signals_emitted INT NOT NULL,
		suppressed INT NOT NULL,
		orders_filled INT NOT NULL,
		orders_rejected INT NOT NULL,
		baskets_fired INT NOT NULL,
		llm_calls INT NOT NULL,
		realized_pnl DECIMAL(14, 4) NOT NULL,
		equity DECIMAL(16, 4) NOT NULL,
		kill_switch_trips INT NOT NULL,
		generated_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the audit tables. Idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if !db.Enabled() {
		return nil
	}
	for _, stmt := range migrations {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	db.logger.Info().Msg("Database migrations applied")
	return nil
}
