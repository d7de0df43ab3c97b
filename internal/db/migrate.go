package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// schema holds the full table set used by the core. Statements are
// idempotent so Migrate can run at every process start.
var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS qd_analysis_memory (
		id               UUID PRIMARY KEY,
		market           TEXT NOT NULL,
		symbol           TEXT NOT NULL,
		timeframe        TEXT NOT NULL,
		decision         TEXT NOT NULL,
		confidence       INT NOT NULL,
		summary          TEXT,
		analysis         JSONB,
		trading_plan     JSONB,
		reasons          JSONB,
		risks            JSONB,
		scores           JSONB,
		market_snapshot  JSONB,
		indicators       JSONB,
		price_at_analysis DOUBLE PRECISION NOT NULL,
		prompt_embedding vector(1536),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		validated_at     TIMESTAMPTZ,
		actual_return_pct DOUBLE PRECISION,
		was_correct      BOOLEAN,
		user_feedback    TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_qd_memory_symbol
		ON qd_analysis_memory (market, symbol, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_qd_memory_unvalidated
		ON qd_analysis_memory (created_at) WHERE validated_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS qd_analysis_tasks (
		id          UUID PRIMARY KEY,
		task_type   TEXT NOT NULL,
		market      TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		status      TEXT NOT NULL,
		result      JSONB,
		error_msg   TEXT,
		user_id     TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_qd_tasks_market
		ON qd_analysis_tasks (market, symbol, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS qd_polymarket_markets (
		market_id   TEXT PRIMARY KEY,
		question    TEXT NOT NULL,
		category    TEXT,
		probability DOUBLE PRECISION,
		volume_24h  DOUBLE PRECISION,
		liquidity   DOUBLE PRECISION,
		end_date    TIMESTAMPTZ,
		status      TEXT,
		slug        TEXT,
		raw         JSONB,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS qd_polymarket_ai_analysis (
		id                  UUID PRIMARY KEY,
		market_id           TEXT NOT NULL,
		user_id             TEXT,
		predicted_prob      DOUBLE PRECISION NOT NULL,
		market_prob         DOUBLE PRECISION NOT NULL,
		divergence          DOUBLE PRECISION NOT NULL,
		recommendation      TEXT NOT NULL,
		confidence          INT NOT NULL,
		opportunity_score   DOUBLE PRECISION NOT NULL,
		reasoning           TEXT,
		key_factors         JSONB,
		related_assets      JSONB,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_qd_pm_analysis
		ON qd_polymarket_ai_analysis (market_id, user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS qd_polymarket_asset_opportunities (
		id          UUID PRIMARY KEY,
		analysis_id UUID NOT NULL REFERENCES qd_polymarket_ai_analysis(id) ON DELETE CASCADE,
		asset       TEXT NOT NULL,
		direction   TEXT NOT NULL,
		rationale   TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS qd_quick_trades (
		id                UUID PRIMARY KEY,
		user_id           TEXT NOT NULL DEFAULT '',
		credential_id     TEXT NOT NULL,
		exchange          TEXT NOT NULL,
		symbol            TEXT NOT NULL,
		market_type       TEXT NOT NULL,
		side              TEXT NOT NULL,
		order_type        TEXT NOT NULL,
		signal            TEXT NOT NULL DEFAULT '',
		amount_usdt       DOUBLE PRECISION NOT NULL,
		quantity          DOUBLE PRECISION NOT NULL DEFAULT 0,
		price             DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_price         DOUBLE PRECISION NOT NULL DEFAULT 0,
		filled            DOUBLE PRECISION NOT NULL DEFAULT 0,
		fee               DOUBLE PRECISION NOT NULL DEFAULT 0,
		fee_ccy           TEXT,
		leverage          INT NOT NULL DEFAULT 1,
		client_order_id   TEXT,
		exchange_order_id TEXT,
		status            TEXT NOT NULL,
		error_msg         TEXT,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_qd_quick_trades_user_time
		ON qd_quick_trades (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS qd_backtest_runs (
		id               UUID PRIMARY KEY,
		symbol           TEXT NOT NULL,
		market           TEXT NOT NULL,
		timeframe_signal TEXT NOT NULL,
		timeframe_exec   TEXT,
		start_at         TIMESTAMPTZ NOT NULL,
		end_at           TIMESTAMPTZ NOT NULL,
		initial_capital  DOUBLE PRECISION NOT NULL,
		final_capital    DOUBLE PRECISION NOT NULL,
		total_return     DOUBLE PRECISION,
		annual_return    DOUBLE PRECISION,
		max_drawdown     DOUBLE PRECISION,
		sharpe_ratio     DOUBLE PRECISION,
		win_rate         DOUBLE PRECISION,
		profit_factor    DOUBLE PRECISION,
		total_trades     INT,
		liquidated       BOOLEAN NOT NULL DEFAULT false,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS qd_exchange_credentials (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL DEFAULT '',
		exchange   TEXT NOT NULL,
		api_key    TEXT NOT NULL,
		secret_key TEXT NOT NULL,
		passphrase TEXT,
		testnet    BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_qd_credentials_user
		ON qd_exchange_credentials (user_id)`,
}

// Migrate applies the embedded schema
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}

	log.Info().Int("statements", len(schema)).Msg("Schema migration complete")
	return nil
}
