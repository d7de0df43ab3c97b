package analysis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/collector"
	"github.com/quantdesk/quantdesk/internal/llm"
	"github.com/quantdesk/quantdesk/internal/marketdata"
	"github.com/quantdesk/quantdesk/internal/memory"
	"github.com/quantdesk/quantdesk/internal/metrics"
)

// Completer issues one chat completion and returns the raw content
type Completer interface {
	CompleteWithSystem(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
}

// Recorder persists analysis records. Satisfied by *memory.Store.
type Recorder interface {
	Save(ctx context.Context, rec *memory.Record, embedding []float32) (string, error)
}

// TaskWriter appends to the unified analysis-task ledger
type TaskWriter interface {
	Insert(ctx context.Context, task *memory.Task) (string, error)
}

// Engine runs the single-call fast analysis
type Engine struct {
	collector *collector.Collector
	llm       Completer
	memory    Recorder
	tasks     TaskWriter
}

// NewEngine wires the fast analysis engine. memory and tasks may be nil,
// in which case results are not persisted.
func NewEngine(c *collector.Collector, llm Completer, mem Recorder, tasks TaskWriter) *Engine {
	return &Engine{collector: c, llm: llm, memory: mem, tasks: tasks}
}

// Analyze collects, prompts once, validates and persists. On LLM or
// collection failure the returned result is a safe HOLD with Error set;
// the error return is reserved for invalid requests.
func (e *Engine) Analyze(ctx context.Context, req Request) (*Result, error) {
	if req.Language == "" {
		req.Language = "en-US"
	}
	if _, ok := supportedLanguages[req.Language]; !ok {
		return nil, ErrInvalidLanguage
	}
	if req.Timeframe == "" {
		req.Timeframe = "1d"
	}

	start := time.Now()
	defer func() {
		metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	}()

	rec := e.collector.CollectAll(ctx, collector.Options{
		Market:            req.Market,
		Symbol:            req.Symbol,
		Timeframe:         req.Timeframe,
		IncludeMacro:      true,
		IncludeNews:       true,
		IncludePolymarket: req.Market == marketdata.MarketCrypto,
	})
	collectMs := time.Since(start).Milliseconds()

	if rec.Price == nil || *rec.Price <= 0 {
		return e.safeHold(req, rec, collectMs, start, ErrNoPrice.Error()), nil
	}
	current := *rec.Price

	llmStart := time.Now()
	content, err := e.llm.CompleteWithSystem(ctx, req.Model,
		buildSystemPrompt(req, rec), buildUserPrompt(req, rec))
	llmMs := time.Since(llmStart).Milliseconds()
	if err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("LLM call failed")
		res := e.safeHold(req, rec, collectMs, start, "llm call failed: "+err.Error())
		res.Timings.LLMMs = llmMs
		return res, nil
	}

	var reply llmReply
	if err := llm.ParseJSONResponse(content, &reply); err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("LLM reply unparseable")
		res := e.safeHold(req, rec, collectMs, start, "llm reply unparseable: "+err.Error())
		res.Timings.LLMMs = llmMs
		return res, nil
	}

	decision, confidence, plan, scores := validateReply(&reply, current)

	result := &Result{
		Market:     req.Market,
		Symbol:     req.Symbol,
		Timeframe:  req.Timeframe,
		Decision:   decision,
		Confidence: confidence,
		Summary:    reply.Summary,
		DetailedAnalysis: Pillars{
			Technical:   reply.Analysis.Technical,
			Fundamental: reply.Analysis.Fundamental,
			Sentiment:   reply.Analysis.Sentiment,
		},
		TradingPlan: plan,
		Reasons:     reply.KeyReasons,
		Risks:       reply.Risks,
		Scores:      scores,
		MarketData: MarketData{
			CurrentPrice: current,
			Change24h:    rec.Change24h,
		},
		Indicators: rec.Indicators,
		Timings: Timings{
			CollectMs: collectMs,
			LLMMs:     llmMs,
		},
	}
	if rec.Indicators != nil {
		result.MarketData.Support = rec.Indicators.Support
		result.MarketData.Resistance = rec.Indicators.Resistance
	}

	e.persist(ctx, req, result, current)

	result.Timings.TotalMs = time.Since(start).Milliseconds()
	log.Info().
		Str("symbol", req.Symbol).
		Str("decision", result.Decision).
		Int("confidence", result.Confidence).
		Int("overall", result.Scores.Overall).
		Int64("total_ms", result.Timings.TotalMs).
		Msg("Analysis complete")
	return result, nil
}

// persist writes the memory record and the unified task row. Persistence
// failure degrades to a result without a memory id.
func (e *Engine) persist(ctx context.Context, req Request, result *Result, current float64) {
	if e.memory == nil {
		return
	}

	rec := &memory.Record{
		Market:          string(req.Market),
		Symbol:          req.Symbol,
		Timeframe:       req.Timeframe,
		Decision:        result.Decision,
		Confidence:      result.Confidence,
		Summary:         result.Summary,
		Analysis:        mustJSON(result.DetailedAnalysis),
		TradingPlan:     mustJSON(result.TradingPlan),
		Reasons:         mustJSON(result.Reasons),
		Risks:           mustJSON(result.Risks),
		Scores:          mustJSON(result.Scores),
		MarketSnapshot:  mustJSON(result.MarketData),
		Indicators:      mustJSON(result.Indicators),
		PriceAtAnalysis: current,
	}

	id, err := e.memory.Save(ctx, rec, nil)
	if err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("Failed to persist analysis")
		return
	}
	result.MemoryID = id

	if e.tasks != nil {
		if _, err := e.tasks.Insert(ctx, &memory.Task{
			TaskType: "fast_analysis",
			Market:   string(req.Market),
			Symbol:   req.Symbol,
			Status:   memory.TaskStatusDone,
			Result:   mustJSON(result),
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to record analysis task")
		}
	}
}

// safeHold is the degraded result for any analysis failure
func (e *Engine) safeHold(req Request, rec *collector.Record, collectMs int64, start time.Time, reason string) *Result {
	res := &Result{
		Market:     req.Market,
		Symbol:     req.Symbol,
		Timeframe:  req.Timeframe,
		Decision:   DecisionHold,
		Confidence: 0,
		Summary:    "Analysis unavailable, defaulting to HOLD",
		Scores:     Scores{Overall: 50},
		Indicators: rec.Indicators,
		Error:      reason,
		Timings: Timings{
			CollectMs: collectMs,
			TotalMs:   time.Since(start).Milliseconds(),
		},
	}
	if rec.Price != nil {
		res.MarketData.CurrentPrice = *rec.Price
		res.MarketData.Change24h = rec.Change24h
	}
	return res
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
