package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/collector"
	"github.com/quantdesk/quantdesk/internal/llm"
	"github.com/quantdesk/quantdesk/internal/marketdata"
	"github.com/quantdesk/quantdesk/internal/memory"
)

const (
	analysisCacheTTL = 30 * time.Minute

	// recommendation thresholds
	minDivergence = 5.0
	minConfidence = 60
)

// Recommendations for a market position
const (
	RecommendYes  = "YES"
	RecommendNo   = "NO"
	RecommendHold = "HOLD"
)

// Completer issues one chat completion
type Completer interface {
	CompleteWithSystem(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
}

// Analysis is the scored output for one market
type Analysis struct {
	ID               string         `json:"id"`
	MarketID         string         `json:"market_id"`
	UserID           string         `json:"user_id,omitempty"`
	Question         string         `json:"question"`
	PredictedProb    float64        `json:"predicted_probability"`
	MarketProb       float64        `json:"market_probability"`
	Divergence       float64        `json:"divergence"`
	Recommendation   string         `json:"recommendation"`
	Confidence       int            `json:"confidence"`
	OpportunityScore float64        `json:"opportunity_score"`
	Reasoning        string         `json:"reasoning,omitempty"`
	KeyFactors       []string       `json:"key_factors,omitempty"`
	RiskFactors      []string       `json:"risk_factors,omitempty"`
	RelatedAssets    []RelatedAsset `json:"related_assets,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RelatedAsset ties a market to a tradeable symbol
type RelatedAsset struct {
	Symbol    string `json:"symbol"`
	Direction string `json:"direction"` // "long", "short", "neutral"
	Rationale string `json:"rationale,omitempty"`
}

// analysisReply is the rigid schema expected from the model
type analysisReply struct {
	PredictedProbability float64  `json:"predicted_probability"`
	Confidence           float64  `json:"confidence"`
	Reasoning            string   `json:"reasoning"`
	KeyFactors           []string `json:"key_factors"`
	RiskFactors          []string `json:"risk_factors"`
}

// Analyzer runs AI analysis over prediction markets
type Analyzer struct {
	client    *Client
	collector *collector.Collector
	llm       Completer
	store     *Store
	tasks     *memory.TaskStore
	cache     *redis.Client
}

// NewAnalyzer wires the prediction-market analyzer. store, tasks and
// cache may be nil.
func NewAnalyzer(client *Client, coll *collector.Collector, completer Completer, store *Store, tasks *memory.TaskStore, cache *redis.Client) *Analyzer {
	return &Analyzer{client: client, collector: coll, llm: completer, store: store, tasks: tasks, cache: cache}
}

// AnalyzeMarket scores one market. With useCache, a cached analysis
// younger than 30 minutes for the same (market, user) pair is returned
// as-is.
func (a *Analyzer) AnalyzeMarket(ctx context.Context, marketID, userID string, useCache bool, language, model string) (*Analysis, error) {
	cacheKey := fmt.Sprintf("pm:analysis:%s:%s", marketID, userID)
	if useCache && a.cache != nil {
		if cached, err := a.cache.Get(ctx, cacheKey).Result(); err == nil {
			var analysis Analysis
			if json.Unmarshal([]byte(cached), &analysis) == nil {
				log.Debug().Str("market_id", marketID).Msg("Polymarket analysis cache hit")
				return &analysis, nil
			}
		}
	}

	market, err := a.client.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to load market %s: %w", marketID, err)
	}

	related := RelatedAssets(market.Question)
	assetContext, newsTitles := a.collectRelated(ctx, related)

	content, err := a.llm.CompleteWithSystem(ctx, model,
		buildMarketSystemPrompt(language),
		buildMarketUserPrompt(market, assetContext, newsTitles))
	if err != nil {
		return nil, fmt.Errorf("llm analysis failed: %w", err)
	}

	var reply analysisReply
	if err := llm.ParseJSONResponse(content, &reply); err != nil {
		return nil, fmt.Errorf("llm reply unparseable: %w", err)
	}

	analysis := deriveAnalysis(market, &reply, userID, related)

	if a.store != nil {
		if err := a.store.SaveAnalysis(ctx, market, analysis); err != nil {
			log.Error().Err(err).Str("market_id", marketID).Msg("Failed to persist polymarket analysis")
		}
	}
	if a.tasks != nil {
		if _, err := a.tasks.Insert(ctx, &memory.Task{
			TaskType: "polymarket",
			Market:   "Polymarket",
			Symbol:   marketID,
			Status:   memory.TaskStatusDone,
			Result:   mustJSON(analysis),
			UserID:   userID,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to record polymarket task")
		}
	}

	if a.cache != nil {
		if data, err := json.Marshal(analysis); err == nil {
			if err := a.cache.Set(ctx, cacheKey, data, analysisCacheTTL).Err(); err != nil {
				log.Debug().Err(err).Msg("Polymarket analysis cache write failed")
			}
		}
	}
	return analysis, nil
}

// deriveAnalysis applies the divergence and opportunity rules
func deriveAnalysis(market *Market, reply *analysisReply, userID string, related []RelatedAsset) *Analysis {
	predicted := clampProb(reply.PredictedProbability)
	confidence := int(math.Round(reply.Confidence))
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	divergence := predicted - market.Probability
	opportunity := OpportunityScore(divergence, confidence)

	recommendation := RecommendHold
	if math.Abs(divergence) > minDivergence && confidence > minConfidence {
		if divergence > 0 {
			recommendation = RecommendYes
		} else {
			recommendation = RecommendNo
		}
	}

	return &Analysis{
		MarketID:         market.ID,
		UserID:           userID,
		Question:         market.Question,
		PredictedProb:    predicted,
		MarketProb:       market.Probability,
		Divergence:       divergence,
		Recommendation:   recommendation,
		Confidence:       confidence,
		OpportunityScore: opportunity,
		Reasoning:        reply.Reasoning,
		KeyFactors:       reply.KeyFactors,
		RiskFactors:      reply.RiskFactors,
		RelatedAssets:    related,
		CreatedAt:        time.Now().UTC(),
	}
}

// OpportunityScore is min(|divergence|*2, 40) + confidence*0.6
func OpportunityScore(divergence float64, confidence int) float64 {
	divPart := math.Abs(divergence) * 2
	if divPart > 40 {
		divPart = 40
	}
	return divPart + float64(confidence)*0.6
}

// collectRelated pulls a compact indicator summary plus headlines for
// each related asset. Events are disabled to avoid recursing back into
// Polymarket.
func (a *Analyzer) collectRelated(ctx context.Context, related []RelatedAsset) (string, []string) {
	if a.collector == nil || len(related) == 0 {
		return "", nil
	}

	var b strings.Builder
	var titles []string
	for _, asset := range related {
		rec := a.collector.CollectAll(ctx, collector.Options{
			Market:            marketdata.MarketCrypto,
			Symbol:            asset.Symbol,
			Timeframe:         "1h",
			IncludeNews:       len(titles) == 0,
			IncludePolymarket: false,
		})
		for _, item := range rec.News {
			if len(titles) >= 5 {
				break
			}
			titles = append(titles, item.Title)
		}
		if rec.Price == nil || rec.Indicators == nil {
			continue
		}
		snap := rec.Indicators
		fmt.Fprintf(&b, "%s: price %.8g, RSI %.1f, trend %s, MACD %s\n",
			asset.Symbol, *rec.Price, snap.RSI, snap.Trend, snap.MACD.Crossover)
	}
	return b.String(), titles
}

// assetKeywords maps question keywords to tradeable symbols
var assetKeywords = []struct {
	keywords []string
	symbol   string
}{
	{[]string{"bitcoin", "btc"}, "BTC/USDT"},
	{[]string{"ethereum", "eth"}, "ETH/USDT"},
	{[]string{"solana", "sol"}, "SOL/USDT"},
	{[]string{"ripple", "xrp"}, "XRP/USDT"},
	{[]string{"dogecoin", "doge"}, "DOGE/USDT"},
	{[]string{"cardano", "ada"}, "ADA/USDT"},
	{[]string{"bnb", "binance coin"}, "BNB/USDT"},
}

// RelatedAssets extracts tradeable symbols referenced by a question
func RelatedAssets(question string) []RelatedAsset {
	q := strings.ToLower(question)
	var assets []RelatedAsset
	for _, entry := range assetKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(q, kw) {
				assets = append(assets, RelatedAsset{Symbol: entry.symbol, Direction: "neutral"})
				break
			}
		}
	}
	return assets
}

func clampProb(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func buildMarketSystemPrompt(language string) string {
	lang := "English"
	switch language {
	case "zh-CN":
		lang = "Simplified Chinese"
	case "zh-TW":
		lang = "Traditional Chinese"
	case "ja-JP":
		lang = "Japanese"
	}
	return fmt.Sprintf(`You are a prediction-market analyst. Respond in %s.
Estimate the true probability of the market resolving YES, using only the data provided.
Return ONLY a JSON object:
{"predicted_probability": 0-100, "confidence": 0-100, "reasoning": "...", "key_factors": ["..."], "risk_factors": ["..."]}`, lang)
}

func buildMarketUserPrompt(market *Market, assetContext string, newsTitles []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Market question: %s\n", market.Question)
	fmt.Fprintf(&b, "Current market-implied probability: %.1f%%\n", market.Probability)
	fmt.Fprintf(&b, "24h volume: %.0f, liquidity: %.0f\n", market.Volume24h, market.Liquidity)
	if !market.EndDate.IsZero() {
		fmt.Fprintf(&b, "Resolves: %s\n", market.EndDate.Format("2006-01-02"))
	}
	if len(newsTitles) > 0 {
		b.WriteString("\nRecent headlines:\n")
		for _, title := range newsTitles {
			fmt.Fprintf(&b, "- %s\n", title)
		}
	}
	if assetContext != "" {
		fmt.Fprintf(&b, "\nRelated asset readings:\n%s", assetContext)
	}
	return b.String()
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
