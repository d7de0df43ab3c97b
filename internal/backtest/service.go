package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/marketdata"
	"github.com/quantdesk/quantdesk/internal/metrics"
	"github.com/quantdesk/quantdesk/internal/symbols"
)

const (
	// DefaultSimulationBudget bounds the CPU-side simulation pass
	DefaultSimulationBudget = 60 * time.Second

	klineBatchSize = 1000
	maxFetchRounds = 250
	maxBars        = 200000
)

// KlineSource fetches historical candles; *marketdata.Factory
// satisfies it
type KlineSource interface {
	GetKline(ctx context.Context, market marketdata.Market, symbol, timeframe string, limit int, before int64) ([]marketdata.Bar, error)
}

// Request describes one backtest run
type Request struct {
	IndicatorCode  string            `json:"indicator_code"`
	Market         marketdata.Market `json:"market"`
	Symbol         string            `json:"symbol"`
	Timeframe      string            `json:"timeframe"`
	Start          time.Time         `json:"start"`
	End            time.Time         `json:"end"`
	InitialCapital float64           `json:"initial_capital"`
	Commission     float64           `json:"commission"`
	Slippage       float64           `json:"slippage"`
	Leverage       int               `json:"leverage"`
	TradeDirection string            `json:"trade_direction"`
	Strategy       StrategyConfig    `json:"strategy_config"`
	EnableMTF      bool              `json:"enable_mtf,omitempty"`
}

// Result is the full run outcome
type Result struct {
	ID              string        `json:"id,omitempty"`
	Symbol          string        `json:"symbol"`
	Market          string        `json:"market"`
	TimeframeSignal string        `json:"timeframe_signal"`
	TimeframeExec   string        `json:"timeframe_exec,omitempty"`
	Start           time.Time     `json:"start"`
	End             time.Time     `json:"end"`
	InitialCapital  float64       `json:"initial_capital"`
	FinalCapital    float64       `json:"final_capital"`
	Liquidated      bool          `json:"liquidated"`
	Metrics         Metrics       `json:"metrics"`
	EquityCurve     []EquityPoint `json:"equity_curve"`
	Trades          []Trade       `json:"trades"`
}

// Runner fetches data, generates signals, simulates and persists the
// aggregated metrics
type Runner struct {
	source KlineSource
	store  *Store
}

// NewRunner builds a runner; store may be nil to skip persistence
func NewRunner(source KlineSource, store *Store) *Runner {
	return &Runner{source: source, store: store}
}

// Run executes a single-timeframe backtest. Errors name the first
// failing stage.
func (r *Runner) Run(ctx context.Context, req Request) (result *Result, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBacktest(time.Since(started), err) }()

	if err = r.validate(&req); err != nil {
		return nil, err
	}

	bars, err := r.fetchRange(ctx, req.Market, req.Symbol, req.Timeframe, req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("data fetch failed: %w", err)
	}

	sig, err := GenerateSignals(req.IndicatorCode, bars, DefaultScriptBudget)
	if err != nil {
		return nil, fmt.Errorf("signal generation failed: %w", err)
	}

	sim, err := simulate(bars, sig, &req.Strategy, simParamsOf(req), time.Now().Add(DefaultSimulationBudget))
	if err != nil {
		return nil, fmt.Errorf("simulation failed: %w", err)
	}

	return r.finish(ctx, req, req.Timeframe, "", sim), nil
}

// RunMTF refines execution to a finer timeframe when the range allows
// it; otherwise it behaves exactly like Run.
func (r *Runner) RunMTF(ctx context.Context, req Request) (result *Result, err error) {
	execTf := SelectExecTimeframe(req.Market, req.Start, req.End)
	if execTf == "" || execTf == req.Timeframe {
		return r.Run(ctx, req)
	}

	started := time.Now()
	defer func() { metrics.ObserveBacktest(time.Since(started), err) }()

	if err = r.validate(&req); err != nil {
		return nil, err
	}
	tfSecs, err := marketdata.TimeframeSeconds(req.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("data fetch failed: %w", err)
	}

	strategyBars, err := r.fetchRange(ctx, req.Market, req.Symbol, req.Timeframe, req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("data fetch failed: %w", err)
	}
	execBars, err := r.fetchRange(ctx, req.Market, req.Symbol, execTf, req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("data fetch failed: %w", err)
	}

	sig, err := GenerateSignals(req.IndicatorCode, strategyBars, DefaultScriptBudget)
	if err != nil {
		return nil, fmt.Errorf("signal generation failed: %w", err)
	}
	execSig := projectSignals(sig, strategyBars, tfSecs, execBars)

	// Projected signals are placed so next-bar-open fills land on the
	// first execution bar after the strategy bar closes
	strategy := req.Strategy
	strategy.Execution.SignalTiming = TimingNextBarOpen

	sim, err := simulate(execBars, execSig, &strategy, simParamsOf(req), time.Now().Add(DefaultSimulationBudget))
	if err != nil {
		return nil, fmt.Errorf("simulation failed: %w", err)
	}

	return r.finish(ctx, req, execTf, execTf, sim), nil
}

func (r *Runner) validate(req *Request) error {
	canonical, _ := symbols.Normalize(req.Symbol)
	if canonical == "" {
		return fmt.Errorf("data fetch failed: unresolvable symbol %q", req.Symbol)
	}
	req.Symbol = canonical
	if req.Market == "" {
		req.Market = marketdata.MarketCrypto
	}
	if _, err := marketdata.TimeframeSeconds(req.Timeframe); err != nil {
		return fmt.Errorf("data fetch failed: %w", err)
	}
	if !req.Start.Before(req.End) {
		return fmt.Errorf("data fetch failed: start must precede end")
	}
	if req.InitialCapital <= 0 {
		return fmt.Errorf("simulation failed: initial capital must be positive")
	}
	if req.Leverage < 1 {
		req.Leverage = 1
	}
	switch req.TradeDirection {
	case "":
		req.TradeDirection = DirectionBoth
	case DirectionLong, DirectionShort, DirectionBoth:
	default:
		return fmt.Errorf("simulation failed: invalid trade direction %q", req.TradeDirection)
	}
	if err := req.Strategy.Normalize(); err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	return nil
}

func simParamsOf(req Request) simParams {
	return simParams{
		InitialCapital: req.InitialCapital,
		Commission:     req.Commission,
		Slippage:       req.Slippage,
		Leverage:       req.Leverage,
		Direction:      req.TradeDirection,
	}
}

// fetchRange pages backwards from the range end until the start is
// covered, then trims to [start, end]
func (r *Runner) fetchRange(ctx context.Context, market marketdata.Market, symbol, timeframe string, start, end time.Time) ([]marketdata.Bar, error) {
	tfSecs, err := marketdata.TimeframeSeconds(timeframe)
	if err != nil {
		return nil, err
	}

	var collected []marketdata.Bar
	before := end.Unix() + tfSecs
	for round := 0; round < maxFetchRounds; round++ {
		batch, err := r.source.GetKline(ctx, market, symbol, timeframe, klineBatchSize, before)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		collected = append(batch, collected...)
		before = batch[0].Time
		if batch[0].Time <= start.Unix() || len(batch) < klineBatchSize {
			break
		}
		if len(collected) > maxBars {
			return nil, fmt.Errorf("range too large: more than %d %s candles", maxBars, timeframe)
		}
	}

	out := collected[:0]
	for _, b := range collected {
		if b.Time >= start.Unix() && b.Time <= end.Unix() {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no candles for %s %s in range", symbol, timeframe)
	}
	return out, nil
}

func (r *Runner) finish(ctx context.Context, req Request, metricsTf, execTf string, sim *SimResult) *Result {
	result := &Result{
		Symbol:          req.Symbol,
		Market:          string(req.Market),
		TimeframeSignal: req.Timeframe,
		TimeframeExec:   execTf,
		Start:           req.Start,
		End:             req.End,
		InitialCapital:  req.InitialCapital,
		FinalCapital:    sim.FinalCapital,
		Liquidated:      sim.Liquidated,
		Metrics:         computeMetrics(sim, req.InitialCapital, metricsTf, req.Start, req.End),
		EquityCurve:     sim.EquityCurve,
		Trades:          sim.Trades,
	}
	if r.store != nil {
		id, err := r.store.InsertRun(ctx, result)
		if err != nil {
			log.Warn().Err(err).Str("symbol", req.Symbol).Msg("backtest run persistence failed")
		} else {
			result.ID = id
		}
	}
	return result
}
