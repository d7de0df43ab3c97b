// Package memory persists every analysis result, validates past decisions
// against realized prices, and serves heuristic pattern retrieval.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
)

// PoolInterface is the pool surface the store needs. Satisfied by
// *pgxpool.Pool and by pgxmock pools in tests.
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Record is one persisted analysis with its validation state
type Record struct {
	ID              string          `json:"id"`
	Market          string          `json:"market"`
	Symbol          string          `json:"symbol"`
	Timeframe       string          `json:"timeframe"`
	Decision        string          `json:"decision"`
	Confidence      int             `json:"confidence"`
	Summary         string          `json:"summary"`
	Analysis        json.RawMessage `json:"analysis,omitempty"`
	TradingPlan     json.RawMessage `json:"trading_plan,omitempty"`
	Reasons         json.RawMessage `json:"reasons,omitempty"`
	Risks           json.RawMessage `json:"risks,omitempty"`
	Scores          json.RawMessage `json:"scores,omitempty"`
	MarketSnapshot  json.RawMessage `json:"market_snapshot,omitempty"`
	Indicators      json.RawMessage `json:"indicators,omitempty"`
	PriceAtAnalysis float64         `json:"price_at_analysis"`
	CreatedAt       time.Time       `json:"created_at"`
	ValidatedAt     *time.Time      `json:"validated_at,omitempty"`
	ActualReturnPct *float64        `json:"actual_return_pct,omitempty"`
	WasCorrect      *bool           `json:"was_correct,omitempty"`
	UserFeedback    *string         `json:"user_feedback,omitempty"`
}

// PerformanceStats aggregates validation outcomes
type PerformanceStats struct {
	Total        int     `json:"total"`
	Validated    int     `json:"validated"`
	Correct      int     `json:"correct"`
	AccuracyPct  float64 `json:"accuracy_pct"`
	AvgReturnPct float64 `json:"avg_return_pct"`
	BuyCount     int     `json:"buy_count"`
	SellCount    int     `json:"sell_count"`
	HoldCount    int     `json:"hold_count"`
}

// Pricer resolves the current price for a (market, symbol) pair
type Pricer func(ctx context.Context, market, symbol string) (float64, error)

// Store persists analysis records in qd_analysis_memory
type Store struct {
	pool PoolInterface
}

// NewStore creates a memory store over a pool
func NewStore(pool PoolInterface) *Store {
	return &Store{pool: pool}
}

const recordColumns = `id, market, symbol, timeframe, decision, confidence, summary,
	analysis, trading_plan, reasons, risks, scores, market_snapshot, indicators,
	price_at_analysis, created_at, validated_at, actual_return_pct, was_correct, user_feedback`

// Save inserts a record and returns its id. Embedding may be nil; when
// present it is stored for vector retrieval.
func (s *Store) Save(ctx context.Context, rec *Record, embedding []float32) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	var vec interface{}
	if len(embedding) > 0 {
		v := pgvector.NewVector(embedding)
		vec = v
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO qd_analysis_memory
			(id, market, symbol, timeframe, decision, confidence, summary,
			 analysis, trading_plan, reasons, risks, scores, market_snapshot,
			 indicators, price_at_analysis, prompt_embedding, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now())`,
		rec.ID, rec.Market, rec.Symbol, rec.Timeframe, rec.Decision, rec.Confidence,
		rec.Summary, rec.Analysis, rec.TradingPlan, rec.Reasons, rec.Risks,
		rec.Scores, rec.MarketSnapshot, rec.Indicators, rec.PriceAtAnalysis, vec)
	if err != nil {
		return "", fmt.Errorf("failed to save analysis record: %w", err)
	}

	log.Debug().Str("id", rec.ID).Str("symbol", rec.Symbol).Str("decision", rec.Decision).
		Msg("Analysis record saved")
	return rec.ID, nil
}

// GetRecent returns the latest records for a symbol within days
func (s *Store) GetRecent(ctx context.Context, market, symbol string, days, limit int) ([]Record, error) {
	if days <= 0 {
		days = 7
	}
	if limit <= 0 {
		limit = 10
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM qd_analysis_memory
		WHERE market = $1 AND symbol = $2 AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT $4`,
		market, symbol, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetAllHistory returns one page of all records, newest first, plus the
// total row count for pagination
func (s *Store) GetAllHistory(ctx context.Context, page, pageSize int) ([]Record, int, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM qd_analysis_memory`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM qd_analysis_memory
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`,
		pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// Delete removes a record by id
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM qd_analysis_memory WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record not found: %s", id)
	}
	return nil
}

// GetSimilarPatterns returns records ranked by heuristic similarity:
// same symbol first, then validated-correct outcomes, then RSI within
// 15 points, then matching MACD crossover state.
func (s *Store) GetSimilarPatterns(ctx context.Context, market, symbol string, rsi float64, macdCrossover string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM qd_analysis_memory
		WHERE market = $1
		ORDER BY
			(symbol = $2) DESC,
			(was_correct IS TRUE) DESC,
			(abs(coalesce((indicators->>'rsi')::float, 50) - $3) <= 15) DESC,
			(indicators->'macd'->>'crossover' = $4) DESC,
			created_at DESC
		LIMIT $5`,
		market, symbol, rsi, macdCrossover, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar patterns: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// RecordFeedback attaches user feedback to a record
func (s *Store) RecordFeedback(ctx context.Context, id, feedback string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE qd_analysis_memory SET user_feedback = $2 WHERE id = $1`, id, feedback)
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record not found: %s", id)
	}
	return nil
}

// ValidatePastDecisions scores unvalidated records whose age falls in the
// window [daysAgo, daysAgo+1) days against the realized price. Returns
// the number of records validated.
func (s *Store) ValidatePastDecisions(ctx context.Context, daysAgo int, pricer Pricer) (int, error) {
	if daysAgo <= 0 {
		daysAgo = 7
	}

	now := time.Now().UTC()
	windowStart := now.AddDate(0, 0, -(daysAgo + 1))
	windowEnd := now.AddDate(0, 0, -daysAgo)

	rows, err := s.pool.Query(ctx, `
		SELECT id, market, symbol, decision, price_at_analysis
		FROM qd_analysis_memory
		WHERE validated_at IS NULL
		  AND created_at >= $1 AND created_at < $2`,
		windowStart, windowEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to query unvalidated records: %w", err)
	}

	type pending struct {
		id, market, symbol, decision string
		price                        float64
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.market, &p.symbol, &p.decision, &p.price); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan unvalidated record: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("unvalidated record iteration failed: %w", err)
	}

	validated := 0
	for _, p := range batch {
		current, err := pricer(ctx, p.market, p.symbol)
		if err != nil || current <= 0 || p.price <= 0 {
			log.Warn().Err(err).Str("symbol", p.symbol).Msg("Skipping validation, no realized price")
			continue
		}

		returnPct := (current - p.price) / p.price * 100
		correct := DecisionCorrect(p.decision, returnPct)

		if _, err := s.pool.Exec(ctx, `
			UPDATE qd_analysis_memory
			SET validated_at = now(), actual_return_pct = $2, was_correct = $3
			WHERE id = $1`,
			p.id, returnPct, correct); err != nil {
			return validated, fmt.Errorf("failed to update validation for %s: %w", p.id, err)
		}

		validated++
		log.Info().Str("id", p.id).Str("decision", p.decision).
			Float64("return_pct", returnPct).Bool("correct", correct).
			Msg("Decision validated")
	}
	return validated, nil
}

// DecisionCorrect applies the outcome rule: BUY needs > +2 %, SELL needs
// < -2 %, HOLD tolerates up to 5 % either way
func DecisionCorrect(decision string, returnPct float64) bool {
	switch decision {
	case "BUY":
		return returnPct > 2
	case "SELL":
		return returnPct < -2
	case "HOLD":
		return returnPct >= -5 && returnPct <= 5
	default:
		return false
	}
}

// GetPerformanceStats aggregates validation outcomes. Empty market or
// symbol widens the filter.
func (s *Store) GetPerformanceStats(ctx context.Context, market, symbol string, days int) (*PerformanceStats, error) {
	if days <= 0 {
		days = 30
	}

	var stats PerformanceStats
	var avgReturn *float64
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE validated_at IS NOT NULL),
			count(*) FILTER (WHERE was_correct IS TRUE),
			avg(actual_return_pct) FILTER (WHERE validated_at IS NOT NULL),
			count(*) FILTER (WHERE decision = 'BUY'),
			count(*) FILTER (WHERE decision = 'SELL'),
			count(*) FILTER (WHERE decision = 'HOLD')
		FROM qd_analysis_memory
		WHERE created_at >= $1
		  AND ($2 = '' OR market = $2)
		  AND ($3 = '' OR symbol = $3)`,
		time.Now().UTC().AddDate(0, 0, -days), market, symbol).Scan(
		&stats.Total, &stats.Validated, &stats.Correct, &avgReturn,
		&stats.BuyCount, &stats.SellCount, &stats.HoldCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance stats: %w", err)
	}

	if avgReturn != nil {
		stats.AvgReturnPct = *avgReturn
	}
	if stats.Validated > 0 {
		stats.AccuracyPct = float64(stats.Correct) / float64(stats.Validated) * 100
	}
	return &stats, nil
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var recs []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.Market, &r.Symbol, &r.Timeframe, &r.Decision, &r.Confidence,
			&r.Summary, &r.Analysis, &r.TradingPlan, &r.Reasons, &r.Risks, &r.Scores,
			&r.MarketSnapshot, &r.Indicators, &r.PriceAtAnalysis, &r.CreatedAt,
			&r.ValidatedAt, &r.ActualReturnPct, &r.WasCorrect, &r.UserFeedback,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record iteration failed: %w", err)
	}
	return recs, nil
}
