// Package analysis implements the fast analysis engine: one collection,
// one LLM call, strict post-validation, and a persisted record for later
// outcome scoring.
package analysis

import (
	"errors"

	"github.com/quantdesk/quantdesk/internal/indicators"
	"github.com/quantdesk/quantdesk/internal/marketdata"
)

// Decisions emitted by the engine
const (
	DecisionBuy  = "BUY"
	DecisionSell = "SELL"
	DecisionHold = "HOLD"
)

// ErrInvalidLanguage is returned for an unsupported output language
var ErrInvalidLanguage = errors.New("unsupported analysis language")

// ErrNoPrice is returned when no price could be recovered for the symbol
var ErrNoPrice = errors.New("no price available for symbol")

// supportedLanguages are the four analysis output languages
var supportedLanguages = map[string]string{
	"zh-CN": "Simplified Chinese",
	"zh-TW": "Traditional Chinese",
	"en-US": "English",
	"ja-JP": "Japanese",
}

// Request names one analysis target
type Request struct {
	Market    marketdata.Market `json:"market"`
	Symbol    string            `json:"symbol"`
	Timeframe string            `json:"timeframe"`
	Language  string            `json:"language"`
	Model     string            `json:"model"`
}

// Pillars holds the three analysis dimensions as prose
type Pillars struct {
	Technical   string `json:"technical"`
	Fundamental string `json:"fundamental"`
	Sentiment   string `json:"sentiment"`
}

// TradingPlan is the actionable part of a recommendation
type TradingPlan struct {
	EntryPrice      float64 `json:"entry_price"`
	StopLoss        float64 `json:"stop_loss"`
	TakeProfit      float64 `json:"take_profit"`
	PositionSizePct int     `json:"position_size_pct"`
	Timeframe       string  `json:"timeframe"` // "short", "medium", "long"
}

// Scores are the per-pillar and overall scores, all in [0,100]
type Scores struct {
	Technical   int `json:"technical"`
	Fundamental int `json:"fundamental"`
	Sentiment   int `json:"sentiment"`
	Overall     int `json:"overall"`
}

// MarketData echoes the price context the analysis was built from
type MarketData struct {
	CurrentPrice float64 `json:"current_price"`
	Change24h    float64 `json:"change_24h"`
	Support      float64 `json:"support"`
	Resistance   float64 `json:"resistance"`
}

// Timings breaks down where the wall-clock time went
type Timings struct {
	CollectMs int64 `json:"collect_ms"`
	LLMMs     int64 `json:"llm_ms"`
	TotalMs   int64 `json:"total_ms"`
}

// Result is the bounded, auditable analysis output
type Result struct {
	Market           marketdata.Market    `json:"market"`
	Symbol           string               `json:"symbol"`
	Timeframe        string               `json:"timeframe"`
	Decision         string               `json:"decision"`
	Confidence       int                  `json:"confidence"`
	Summary          string               `json:"summary"`
	DetailedAnalysis Pillars              `json:"detailed_analysis"`
	TradingPlan      TradingPlan          `json:"trading_plan"`
	Reasons          []string             `json:"reasons"`
	Risks            []string             `json:"risks"`
	Scores           Scores               `json:"scores"`
	MarketData       MarketData           `json:"market_data"`
	Indicators       *indicators.Snapshot `json:"indicators,omitempty"`
	Timings          Timings              `json:"timings"`
	MemoryID         string               `json:"memory_id,omitempty"`
	Error            string               `json:"error,omitempty"`
}

// llmReply is the rigid JSON schema the model must return
type llmReply struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
	Analysis   struct {
		Technical   string `json:"technical"`
		Fundamental string `json:"fundamental"`
		Sentiment   string `json:"sentiment"`
	} `json:"analysis"`
	EntryPrice      float64  `json:"entry_price"`
	StopLoss        float64  `json:"stop_loss"`
	TakeProfit      float64  `json:"take_profit"`
	PositionSizePct float64  `json:"position_size_pct"`
	Timeframe       string   `json:"timeframe"`
	KeyReasons      []string `json:"key_reasons"`
	Risks           []string `json:"risks"`
	Scores          struct {
		Technical   float64 `json:"technical"`
		Fundamental float64 `json:"fundamental"`
		Sentiment   float64 `json:"sentiment"`
	} `json:"scores"`
}
