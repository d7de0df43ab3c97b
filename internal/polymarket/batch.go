package polymarket

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/llm"
)

const batchMaxMarkets = 50

// Opportunity is one batch-ranked market
type Opportunity struct {
	MarketID         string   `json:"market_id"`
	Question         string   `json:"question"`
	OpportunityScore float64  `json:"opportunity_score"`
	Recommendation   string   `json:"recommendation"`
	Confidence       int      `json:"confidence"`
	KeyFactors       []string `json:"key_factors,omitempty"`
}

// batchReply is the expected model output for the batch path
type batchReply struct {
	Opportunities []struct {
		MarketID       string   `json:"market_id"`
		Score          float64  `json:"opportunity_score"`
		Recommendation string   `json:"recommendation"`
		Confidence     float64  `json:"confidence"`
		KeyFactors     []string `json:"key_factors"`
	} `json:"opportunities"`
}

// BatchAnalyzeMarkets ships a compact summary of up to 50 markets in one
// prompt and ranks the returned opportunities. Malformed model output
// falls back to a volume/divergence heuristic per market.
func (a *Analyzer) BatchAnalyzeMarkets(ctx context.Context, markets []Market, maxOpportunities int) ([]Opportunity, error) {
	if len(markets) == 0 {
		return nil, nil
	}
	if len(markets) > batchMaxMarkets {
		markets = markets[:batchMaxMarkets]
	}
	if maxOpportunities <= 0 {
		maxOpportunities = 10
	}

	content, err := a.llm.CompleteWithSystem(ctx, "",
		batchSystemPrompt, buildBatchUserPrompt(markets))

	var opportunities []Opportunity
	if err == nil {
		var reply batchReply
		if perr := llm.ParseJSONResponse(content, &reply); perr == nil && len(reply.Opportunities) > 0 {
			opportunities = convertBatchReply(&reply, markets)
		}
	}
	if opportunities == nil {
		if err != nil {
			log.Warn().Err(err).Msg("Batch LLM call failed, using heuristic fallback")
		} else {
			log.Warn().Msg("Batch LLM output malformed, using heuristic fallback")
		}
		opportunities = heuristicOpportunities(markets)
	}

	sort.Slice(opportunities, func(i, j int) bool {
		return opportunities[i].OpportunityScore > opportunities[j].OpportunityScore
	})
	if len(opportunities) > maxOpportunities {
		opportunities = opportunities[:maxOpportunities]
	}
	return opportunities, nil
}

func convertBatchReply(reply *batchReply, markets []Market) []Opportunity {
	byID := make(map[string]Market, len(markets))
	for _, m := range markets {
		byID[m.ID] = m
	}

	var out []Opportunity
	for _, o := range reply.Opportunities {
		m, ok := byID[o.MarketID]
		if !ok {
			continue
		}
		rec := strings.ToUpper(o.Recommendation)
		if rec != RecommendYes && rec != RecommendNo {
			rec = RecommendHold
		}
		confidence := int(math.Round(o.Confidence))
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 100 {
			confidence = 100
		}
		out = append(out, Opportunity{
			MarketID:         m.ID,
			Question:         m.Question,
			OpportunityScore: o.Score,
			Recommendation:   rec,
			Confidence:       confidence,
			KeyFactors:       o.KeyFactors,
		})
	}
	return out
}

// heuristicOpportunities applies the fallback rule: volume above 10000
// and probability more than 10 points from even scores
// min(60 + |p-50|*0.5, 90)
func heuristicOpportunities(markets []Market) []Opportunity {
	var out []Opportunity
	for _, m := range markets {
		edge := math.Abs(m.Probability - 50)
		if m.Volume24h <= 10000 || edge <= 10 {
			continue
		}
		score := 60 + edge*0.5
		if score > 90 {
			score = 90
		}
		out = append(out, Opportunity{
			MarketID:         m.ID,
			Question:         m.Question,
			OpportunityScore: score,
			Recommendation:   RecommendHold,
			KeyFactors:       []string{"heuristic: high volume with skewed odds"},
		})
	}
	return out
}

const batchSystemPrompt = `You are a prediction-market screener.
Rank the given markets by trading opportunity.
Return ONLY a JSON object:
{"opportunities": [{"market_id": "...", "opportunity_score": 0-100, "recommendation": "YES"|"NO"|"HOLD", "confidence": 0-100, "key_factors": ["..."]}]}`

func buildBatchUserPrompt(markets []Market) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Markets (%d):\n", len(markets))
	for _, m := range markets {
		fmt.Fprintf(&b, "- id=%s prob=%.1f%% vol24h=%.0f q=%s\n",
			m.ID, m.Probability, m.Volume24h, m.Question)
	}
	return b.String()
}
