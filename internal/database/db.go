// Package database owns durable state: recommendations, executions, decision
// chains, monitoring snapshots and slippage records, stored in PostgreSQL.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{
		Pool:   pool,
		logger: logger.With().Str("component", "Database").Logger(),
	}
	db.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// migration is one additive schema step. Steps are applied in order and the
// highest applied version is stored in schema_versions.
type migration struct {
	version    int
	statements []string
}

// RunMigrations applies all pending schema migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create schema_versions: %w", err)
	}

	var current int
	if err := db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_versions`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations() {
		if m.version <= current {
			continue
		}
		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_versions (version) VALUES ($1)`, m.version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
		applied++
	}

	db.logger.Info().Int("applied", applied).Msg("Database migrations complete")
	return nil
}

func migrations() []migration {
	return []migration{
		{
			version: 1,
			statements: []string{
				`CREATE TABLE IF NOT EXISTS recommendations (
					id VARCHAR(64) PRIMARY KEY,
					symbol VARCHAR(20) NOT NULL,
					direction VARCHAR(5) NOT NULL,
					strategy_type VARCHAR(50) NOT NULL DEFAULT '',
					leverage DECIMAL(10, 2) NOT NULL,
					entry_price DECIMAL(20, 8) NOT NULL,
					current_price DECIMAL(20, 8) NOT NULL,
					take_profit_price DECIMAL(20, 8) NOT NULL,
					stop_loss_price DECIMAL(20, 8) NOT NULL,
					confidence DECIMAL(5, 4) NOT NULL,
					expected_value DECIMAL(10, 6),
					status VARCHAR(10) NOT NULL DEFAULT 'ACTIVE',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					closed_at TIMESTAMP,
					exit_price DECIMAL(20, 8),
					exit_reason TEXT,
					exit_label VARCHAR(30),
					result VARCHAR(10),
					pnl_amount DECIMAL(20, 8),
					pnl_percent DECIMAL(10, 4),
					experiment_id VARCHAR(50),
					variant VARCHAR(50),
					ab_group VARCHAR(50)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_recommendations_symbol_created
					ON recommendations(symbol, created_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_recommendations_status
					ON recommendations(status)`,
			},
		},
		{
			version: 2,
			statements: []string{
				`CREATE TABLE IF NOT EXISTS decision_chains (
					chain_id VARCHAR(64) PRIMARY KEY,
					symbol VARCHAR(20) NOT NULL,
					direction VARCHAR(5) NOT NULL,
					source VARCHAR(20) NOT NULL,
					started_at TIMESTAMP NOT NULL,
					finalized_at TIMESTAMP,
					final_decision VARCHAR(10) NOT NULL DEFAULT 'PENDING',
					decision_time_ms BIGINT,
					recommendation_id VARCHAR(64),
					execution_id BIGINT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_decision_chains_started
					ON decision_chains(started_at DESC, chain_id)`,
				`CREATE INDEX IF NOT EXISTS idx_decision_chains_symbol
					ON decision_chains(symbol)`,
				`CREATE TABLE IF NOT EXISTS decision_steps (
					id BIGSERIAL PRIMARY KEY,
					chain_id VARCHAR(64) NOT NULL REFERENCES decision_chains(chain_id) ON DELETE CASCADE,
					step_index INT NOT NULL,
					stage VARCHAR(30) NOT NULL,
					decision VARCHAR(10) NOT NULL,
					reason TEXT NOT NULL DEFAULT '',
					details JSONB,
					timestamp TIMESTAMP NOT NULL,
					UNIQUE (chain_id, step_index)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_decision_steps_chain
					ON decision_steps(chain_id, step_index)`,
			},
		},
		{
			version: 3,
			statements: []string{
				`CREATE TABLE IF NOT EXISTS executions (
					id BIGSERIAL PRIMARY KEY,
					recommendation_id VARCHAR(64) NOT NULL,
					symbol VARCHAR(20) NOT NULL,
					direction VARCHAR(5) NOT NULL,
					event_type VARCHAR(10) NOT NULL,
					intended_price DECIMAL(20, 8) NOT NULL,
					fill_price DECIMAL(20, 8) NOT NULL,
					fill_timestamp TIMESTAMP NOT NULL,
					latency_ms BIGINT NOT NULL DEFAULT 0,
					slippage_bps DECIMAL(12, 4) NOT NULL DEFAULT 0,
					fee_bps DECIMAL(12, 4) NOT NULL DEFAULT 0,
					pnl_amount DECIMAL(20, 8),
					pnl_percent DECIMAL(10, 4)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_executions_recommendation
					ON executions(recommendation_id)`,
				`CREATE INDEX IF NOT EXISTS idx_executions_symbol_time
					ON executions(symbol, fill_timestamp DESC)`,
			},
		},
		{
			version: 4,
			statements: []string{
				`CREATE TABLE IF NOT EXISTS monitoring_snapshots (
					id BIGSERIAL PRIMARY KEY,
					recommendation_id VARCHAR(128) NOT NULL,
					symbol VARCHAR(20) NOT NULL,
					check_time TIMESTAMP NOT NULL,
					current_price DECIMAL(20, 8) NOT NULL,
					detail JSONB
				)`,
				`CREATE INDEX IF NOT EXISTS idx_monitoring_snapshots_rec
					ON monitoring_snapshots(recommendation_id)`,
				`CREATE INDEX IF NOT EXISTS idx_monitoring_snapshots_time
					ON monitoring_snapshots(check_time DESC)`,
			},
		},
		{
			version: 5,
			statements: []string{
				`CREATE TABLE IF NOT EXISTS slippage_analysis (
					id BIGSERIAL PRIMARY KEY,
					symbol VARCHAR(20) NOT NULL,
					direction VARCHAR(5) NOT NULL DEFAULT '',
					execution_id BIGINT,
					slippage_bps DECIMAL(12, 4) NOT NULL,
					latency_ms BIGINT NOT NULL DEFAULT 0,
					tag VARCHAR(20) NOT NULL DEFAULT 'EXECUTION',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX IF NOT EXISTS idx_slippage_analysis_symbol
					ON slippage_analysis(symbol, created_at DESC)`,
				`CREATE TABLE IF NOT EXISTS slippage_statistics (
					id BIGSERIAL PRIMARY KEY,
					symbol VARCHAR(20) NOT NULL,
					sample_count INT NOT NULL,
					avg_bps DECIMAL(12, 4) NOT NULL,
					median_bps DECIMAL(12, 4) NOT NULL,
					p95_bps DECIMAL(12, 4) NOT NULL,
					std_dev_bps DECIMAL(12, 4) NOT NULL,
					window_start TIMESTAMP NOT NULL,
					window_end TIMESTAMP NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE TABLE IF NOT EXISTS slippage_thresholds (
					id BIGSERIAL PRIMARY KEY,
					symbol VARCHAR(20) NOT NULL,
					threshold_bps DECIMAL(12, 4) NOT NULL,
					previous_bps DECIMAL(12, 4),
					basis VARCHAR(50) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX IF NOT EXISTS idx_slippage_thresholds_symbol
					ON slippage_thresholds(symbol, created_at DESC)`,
				`CREATE TABLE IF NOT EXISTS slippage_alerts (
					id BIGSERIAL PRIMARY KEY,
					symbol VARCHAR(20) NOT NULL,
					severity VARCHAR(10) NOT NULL,
					message TEXT NOT NULL,
					old_bps DECIMAL(12, 4) NOT NULL,
					new_bps DECIMAL(12, 4) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
			},
		},
	}
}
