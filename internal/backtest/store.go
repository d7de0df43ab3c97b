package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PoolInterface is the pool surface the run store needs
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// RunSummary is one persisted row of qd_backtest_runs
type RunSummary struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Market          string    `json:"market"`
	TimeframeSignal string    `json:"timeframe_signal"`
	TimeframeExec   string    `json:"timeframe_exec,omitempty"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	InitialCapital  float64   `json:"initial_capital"`
	FinalCapital    float64   `json:"final_capital"`
	TotalReturn     float64   `json:"total_return"`
	AnnualReturn    float64   `json:"annual_return"`
	MaxDrawdown     float64   `json:"max_drawdown"`
	SharpeRatio     float64   `json:"sharpe_ratio"`
	WinRate         float64   `json:"win_rate"`
	ProfitFactor    float64   `json:"profit_factor"`
	TotalTrades     int       `json:"total_trades"`
	Liquidated      bool      `json:"liquidated"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store persists aggregated backtest runs
type Store struct {
	pool PoolInterface
}

// NewStore creates a run store over a pool
func NewStore(pool PoolInterface) *Store {
	return &Store{pool: pool}
}

// InsertRun writes the aggregated metrics of a finished run
func (s *Store) InsertRun(ctx context.Context, r *Result) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO qd_backtest_runs
			(id, symbol, market, timeframe_signal, timeframe_exec, start_at, end_at,
			 initial_capital, final_capital, total_return, annual_return, max_drawdown,
			 sharpe_ratio, win_rate, profit_factor, total_trades, liquidated, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now())`,
		id, r.Symbol, r.Market, r.TimeframeSignal, r.TimeframeExec, r.Start, r.End,
		r.InitialCapital, r.FinalCapital, r.Metrics.TotalReturn, r.Metrics.AnnualReturn,
		r.Metrics.MaxDrawdown, r.Metrics.SharpeRatio, r.Metrics.WinRate,
		r.Metrics.ProfitFactor, r.Metrics.TotalTrades, r.Liquidated)
	if err != nil {
		return "", fmt.Errorf("failed to insert backtest run: %w", err)
	}
	return id, nil
}

// RecentRuns lists the newest persisted runs
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, symbol, market, timeframe_signal, coalesce(timeframe_exec, ''),
		       start_at, end_at, initial_capital, final_capital, total_return,
		       annual_return, max_drawdown, sharpe_ratio, win_rate, profit_factor,
		       total_trades, liquidated, created_at
		FROM qd_backtest_runs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Market, &r.TimeframeSignal,
			&r.TimeframeExec, &r.Start, &r.End, &r.InitialCapital, &r.FinalCapital,
			&r.TotalReturn, &r.AnnualReturn, &r.MaxDrawdown, &r.SharpeRatio,
			&r.WinRate, &r.ProfitFactor, &r.TotalTrades, &r.Liquidated, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backtest run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backtest run iteration failed: %w", err)
	}
	return out, nil
}
