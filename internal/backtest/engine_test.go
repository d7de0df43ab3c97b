package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/quantdesk/internal/marketdata"
)

func mkBar(i int, o, h, l, c float64) marketdata.Bar {
	return marketdata.Bar{Time: int64(i) * 3600, Open: o, High: h, Low: l, Close: c, Volume: 100}
}

func emptySignals(n int) *Signals {
	return &Signals{
		OpenLong:   make([]bool, n),
		CloseLong:  make([]bool, n),
		OpenShort:  make([]bool, n),
		CloseShort: make([]bool, n),
	}
}

func baseConfig(t *testing.T) *StrategyConfig {
	t.Helper()
	cfg := &StrategyConfig{}
	require.NoError(t, cfg.Normalize())
	return cfg
}

func run(t *testing.T, bars []marketdata.Bar, sig *Signals, cfg *StrategyConfig, p simParams) *SimResult {
	t.Helper()
	sim, err := simulate(bars, sig, cfg, p, time.Time{})
	require.NoError(t, err)
	return sim
}

func TestTakeProfitFiresOnFavorableLeg(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Risk.TakeProfitPct = 10

	bars := []marketdata.Bar{
		mkBar(0, 100, 100, 100, 100),
		mkBar(1, 100, 115, 99, 110),
		mkBar(2, 110, 111, 109, 110),
	}
	sig := emptySignals(3)
	sig.OpenLong[0] = true

	sim := run(t, bars, sig, cfg, simParams{InitialCapital: 10000, Leverage: 1, Direction: DirectionLong})
	require.Len(t, sim.Trades, 1)
	tr := sim.Trades[0]
	assert.Equal(t, ReasonTakeProfit, tr.Reason)
	assert.InDelta(t, 100, tr.EntryPrice, 1e-9)
	assert.InDelta(t, 110, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 11000, sim.FinalCapital, 1e-6)
	assert.False(t, sim.Liquidated)
}

func TestLiquidationZeroesMarginAndHalts(t *testing.T) {
	cfg := baseConfig(t)

	bars := []marketdata.Bar{
		mkBar(0, 100, 100, 100, 100),
		mkBar(1, 100, 101, 85, 95),
		mkBar(2, 95, 96, 94, 95),
	}
	sig := emptySignals(3)
	sig.OpenLong[0] = true

	sim := run(t, bars, sig, cfg, simParams{InitialCapital: 1000, Leverage: 10, Direction: DirectionLong})
	require.Len(t, sim.Trades, 1)
	tr := sim.Trades[0]
	assert.Equal(t, ReasonLiquidation, tr.Reason)
	assert.InDelta(t, 90, tr.ExitPrice, 1e-9)
	assert.InDelta(t, -1000, tr.PnL, 1e-9)
	assert.True(t, sim.Liquidated)
	assert.InDelta(t, 0, sim.FinalCapital, 1e-9)
	// the run halts at the liquidation bar
	assert.Len(t, sim.EquityCurve, 2)
}

func TestStopLossBeatsLiquidationWhenLessAdverse(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Risk.StopLossPct = 5

	bars := []marketdata.Bar{
		mkBar(0, 100, 100, 100, 100),
		mkBar(1, 100, 101, 85, 95),
	}
	sig := emptySignals(2)
	sig.OpenLong[0] = true

	sim := run(t, bars, sig, cfg, simParams{InitialCapital: 1000, Leverage: 10, Direction: DirectionLong})
	require.Len(t, sim.Trades, 1)
	tr := sim.Trades[0]
	// SL at 99.5 sits above liquidation at 90, so it wins the bar
	assert.Equal(t, ReasonCloseLongStop, tr.Reason)
	assert.InDelta(t, 99.5, tr.ExitPrice, 1e-9)
	assert.False(t, sim.Liquidated)
	assert.InDelta(t, 950, sim.FinalCapital, 1e-6)
}

func TestTrailingStopArmsThenExits(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Risk.Trailing = TrailingConfig{Enabled: true, Pct: 5, ActivationPct: 10}
	require.NoError(t, cfg.Normalize())

	bars := []marketdata.Bar{
		mkBar(0, 100, 100, 100, 100),
		mkBar(1, 100, 120, 99, 118),
		mkBar(2, 118, 119, 112, 113),
	}
	sig := emptySignals(3)
	sig.OpenLong[0] = true

	sim := run(t, bars, sig, cfg, simParams{InitialCapital: 1000, Leverage: 1, Direction: DirectionLong})
	require.Len(t, sim.Trades, 1)
	tr := sim.Trades[0]
	assert.Equal(t, ReasonTrailingStop, tr.Reason)
	// armed at 110, peak 120, trail 5% below the peak
	assert.InDelta(t, 114, tr.ExitPrice, 1e-9)
}

func TestAlternatingSignalsExitOnlyByStopOrSignal(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Risk.StopLossPct = 5

	n := 200
	bars := make([]marketdata.Bar, n)
	price := 100.0
	for i := 0; i < n; i++ {
		next := 100 + 2*math.Sin(float64(i)/3)
		hi := math.Max(price, next) + 0.1
		lo := math.Min(price, next) - 0.1
		bars[i] = mkBar(i, price, hi, lo, next)
		price = next
	}
	sig := emptySignals(n)
	for i := 0; i < n; i++ {
		if i%10 == 0 {
			sig.OpenLong[i] = true
		}
		if i%10 == 5 {
			sig.CloseLong[i] = true
		}
	}

	sim := run(t, bars, sig, cfg, simParams{InitialCapital: 10000, Leverage: 10, Direction: DirectionLong})
	require.NotEmpty(t, sim.Trades)
	for _, tr := range sim.Trades {
		assert.Contains(t, []string{ReasonCloseLong, ReasonCloseLongStop}, tr.Reason)
		assert.LessOrEqual(t, tr.ExitPrice, tr.EntryPrice*1.10)
		if tr.Reason == ReasonCloseLongStop {
			assert.LessOrEqual(t, tr.ExitPrice, tr.EntryPrice*0.9951)
		}
	}
	for _, p := range sim.EquityCurve {
		assert.GreaterOrEqual(t, p.Equity, 0.0)
	}
}

func TestSignalTimingBarCloseVersusNextOpen(t *testing.T) {
	bars := []marketdata.Bar{
		mkBar(0, 100, 105, 99, 104),
		mkBar(1, 106, 110, 105, 108),
		mkBar(2, 108, 112, 107, 111),
	}
	sig := emptySignals(3)
	sig.OpenLong[0] = true

	atClose := baseConfig(t)
	atClose.Execution.SignalTiming = TimingBarClose
	sim := run(t, bars, sig, atClose, simParams{InitialCapital: 1000, Leverage: 1, Direction: DirectionLong})
	assert.InDelta(t, 104, lastEntryPrice(t, sim, bars), 1e-9)

	nextOpen := baseConfig(t)
	sim = run(t, bars, sig, nextOpen, simParams{InitialCapital: 1000, Leverage: 1, Direction: DirectionLong})
	assert.InDelta(t, 106, lastEntryPrice(t, sim, bars), 1e-9)
}

// lastEntryPrice backs the entry price out of the final equity point.
// With no exits configured the position stays open, so
// equity = margin * last / entry with margin equal to initial capital.
func lastEntryPrice(t *testing.T, sim *SimResult, bars []marketdata.Bar) float64 {
	t.Helper()
	require.Empty(t, sim.Trades)
	last := bars[len(bars)-1].Close
	equity := sim.EquityCurve[len(sim.EquityCurve)-1].Equity
	// equity = capital + margin + (last - entry) * qty with qty = margin/entry
	// and margin = initial capital, so entry = last / (equity/margin)
	return last / (equity / 1000)
}

func TestShortPositionLiquidatesUpward(t *testing.T) {
	cfg := baseConfig(t)

	bars := []marketdata.Bar{
		mkBar(0, 100, 100, 100, 100),
		mkBar(1, 100, 115, 99, 112),
	}
	sig := emptySignals(2)
	sig.OpenShort[0] = true

	sim := run(t, bars, sig, cfg, simParams{InitialCapital: 1000, Leverage: 10, Direction: DirectionShort})
	require.Len(t, sim.Trades, 1)
	assert.Equal(t, ReasonLiquidation, sim.Trades[0].Reason)
	assert.InDelta(t, 110, sim.Trades[0].ExitPrice, 1e-9)
	assert.True(t, sim.Liquidated)
}

func TestDirectionLongIgnoresShortEntries(t *testing.T) {
	cfg := baseConfig(t)
	bars := []marketdata.Bar{
		mkBar(0, 100, 101, 99, 100),
		mkBar(1, 100, 101, 99, 100),
		mkBar(2, 100, 101, 99, 100),
	}
	sig := emptySignals(3)
	sig.OpenShort[0] = true

	sim := run(t, bars, sig, cfg, simParams{InitialCapital: 1000, Leverage: 1, Direction: DirectionLong})
	assert.Empty(t, sim.Trades)
	assert.InDelta(t, 1000, sim.FinalCapital, 1e-9)
}

func TestReversalClosesThenOpensOpposite(t *testing.T) {
	cfg := baseConfig(t)
	bars := []marketdata.Bar{
		mkBar(0, 100, 101, 99, 100),
		mkBar(1, 100, 101, 99, 100),
		mkBar(2, 102, 103, 101, 102),
		mkBar(3, 102, 103, 101, 102),
	}
	sig := emptySignals(4)
	sig.OpenLong[0] = true
	// buy/sell style reversal: sell closes the long and opens a short
	sig.CloseLong[1] = true
	sig.OpenShort[1] = true

	sim := run(t, bars, sig, cfg, simParams{InitialCapital: 1000, Leverage: 1, Direction: DirectionBoth})
	require.Len(t, sim.Trades, 1)
	assert.Equal(t, ReasonCloseLong, sim.Trades[0].Reason)
	// the short opened at 102 is still running at the end
	assert.Equal(t, DirectionLong, sim.Trades[0].Side)
}

func TestDcaAddSkipsMainSignalBars(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Position.EntryPct = 0.5
	cfg.Scale.DcaAdd = ScaleRule{Enabled: true, StepPct: 10, SizePct: 50, MaxTimes: 2}
	require.NoError(t, cfg.Normalize())

	bars := []marketdata.Bar{
		mkBar(0, 100, 101, 99, 100),
		mkBar(1, 100, 101, 88, 89),
		mkBar(2, 89, 90, 87, 88),
		mkBar(3, 88, 89, 87, 88),
	}
	sig := emptySignals(4)
	sig.OpenLong[0] = true
	sig.CloseLong[2] = true

	// bar 1 is 11% under entry: the DCA rung fires there, not on the
	// signal bar, and the close at bar 3 open carries the added size
	sim := run(t, bars, sig, cfg, simParams{InitialCapital: 1000, Leverage: 1, Direction: DirectionLong})
	require.Len(t, sim.Trades, 1)
	assert.Greater(t, sim.Trades[0].Quantity, 5.0)
	assert.Equal(t, ReasonCloseLong, sim.Trades[0].Reason)
}

func TestAdverseReduceTrimsPosition(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Scale.AdverseReduce = ScaleRule{Enabled: true, StepPct: 10, SizePct: 50, MaxTimes: 1}
	require.NoError(t, cfg.Normalize())

	bars := []marketdata.Bar{
		mkBar(0, 100, 101, 99, 100),
		mkBar(1, 100, 101, 88, 89),
		mkBar(2, 89, 90, 87, 88),
		mkBar(3, 88, 89, 87, 88),
	}
	sig := emptySignals(4)
	sig.OpenLong[0] = true
	sig.CloseLong[2] = true

	sim := run(t, bars, sig, cfg, simParams{InitialCapital: 1000, Leverage: 1, Direction: DirectionLong})
	require.Len(t, sim.Trades, 2)
	assert.Equal(t, ReasonScaleReduce, sim.Trades[0].Reason)
	assert.Equal(t, ReasonCloseLong, sim.Trades[1].Reason)
	assert.InDelta(t, sim.Trades[0].Quantity, sim.Trades[1].Quantity, 1e-9)
}

func TestSimulateRejectsMismatchedSignals(t *testing.T) {
	cfg := baseConfig(t)
	bars := []marketdata.Bar{mkBar(0, 1, 1, 1, 1)}
	_, err := simulate(bars, emptySignals(2), cfg, simParams{InitialCapital: 100, Leverage: 1}, time.Time{})
	assert.Error(t, err)
}

func TestConfigNormalization(t *testing.T) {
	cfg := &StrategyConfig{}
	cfg.Position.EntryPct = 50
	cfg.Risk.TakeProfitPct = 8
	cfg.Risk.Trailing = TrailingConfig{Enabled: true, Pct: 3}
	require.NoError(t, cfg.Normalize())

	assert.Equal(t, TimingNextBarOpen, cfg.Execution.SignalTiming)
	assert.InDelta(t, 0.5, cfg.Position.EntryPct, 1e-9)
	assert.InDelta(t, 8, cfg.Risk.Trailing.ActivationPct, 1e-9)

	both := &StrategyConfig{}
	both.Scale.TrendAdd = ScaleRule{Enabled: true, StepPct: 5, SizePct: 10, MaxTimes: 2}
	both.Scale.DcaAdd = ScaleRule{Enabled: true, StepPct: 5, SizePct: 10, MaxTimes: 2}
	assert.Error(t, both.Normalize())

	bad := &StrategyConfig{}
	bad.Execution.SignalTiming = "whenever"
	assert.Error(t, bad.Normalize())
}
