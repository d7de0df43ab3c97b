package polymarket

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PoolInterface is the pool surface the store needs
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store persists markets and their AI analyses
type Store struct {
	pool PoolInterface
}

// NewStore creates a polymarket store over a pool
func NewStore(pool PoolInterface) *Store {
	return &Store{pool: pool}
}

// SaveAnalysis upserts the market row and inserts the analysis plus its
// related-asset opportunity rows
func (s *Store) SaveAnalysis(ctx context.Context, market *Market, analysis *Analysis) error {
	if analysis.ID == "" {
		analysis.ID = uuid.NewString()
	}

	var endDate interface{}
	if !market.EndDate.IsZero() {
		endDate = market.EndDate
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO qd_polymarket_markets
			(market_id, question, category, probability, volume_24h, liquidity, end_date, status, slug, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (market_id) DO UPDATE SET
			probability = EXCLUDED.probability,
			volume_24h  = EXCLUDED.volume_24h,
			liquidity   = EXCLUDED.liquidity,
			status      = EXCLUDED.status,
			updated_at  = now()`,
		market.ID, market.Question, market.Category, market.Probability,
		market.Volume24h, market.Liquidity, endDate, marketStatus(market), market.Slug); err != nil {
		return fmt.Errorf("failed to upsert market: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO qd_polymarket_ai_analysis
			(id, market_id, user_id, predicted_prob, market_prob, divergence,
			 recommendation, confidence, opportunity_score, reasoning, key_factors, related_assets, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())`,
		analysis.ID, analysis.MarketID, analysis.UserID, analysis.PredictedProb,
		analysis.MarketProb, analysis.Divergence, analysis.Recommendation,
		analysis.Confidence, analysis.OpportunityScore, analysis.Reasoning,
		mustJSON(analysis.KeyFactors), mustJSON(analysis.RelatedAssets)); err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}

	for _, asset := range analysis.RelatedAssets {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO qd_polymarket_asset_opportunities
				(id, analysis_id, asset, direction, rationale, created_at)
			VALUES ($1,$2,$3,$4,$5,now())`,
			uuid.NewString(), analysis.ID, asset.Symbol, asset.Direction, asset.Rationale); err != nil {
			return fmt.Errorf("failed to insert asset opportunity: %w", err)
		}
	}
	return nil
}

// RecentAnalyses returns the latest analyses, newest first
func (s *Store) RecentAnalyses(ctx context.Context, limit int) ([]Analysis, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.market_id, coalesce(a.user_id, ''), coalesce(m.question, ''),
		       a.predicted_prob, a.market_prob, a.divergence, a.recommendation,
		       a.confidence, a.opportunity_score, coalesce(a.reasoning, ''), a.created_at
		FROM qd_polymarket_ai_analysis a
		LEFT JOIN qd_polymarket_markets m ON m.market_id = a.market_id
		ORDER BY a.created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		var a Analysis
		if err := rows.Scan(&a.ID, &a.MarketID, &a.UserID, &a.Question,
			&a.PredictedProb, &a.MarketProb, &a.Divergence, &a.Recommendation,
			&a.Confidence, &a.OpportunityScore, &a.Reasoning, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analysis iteration failed: %w", err)
	}
	return out, nil
}

func marketStatus(m *Market) string {
	if m.Active {
		return "active"
	}
	return "inactive"
}
