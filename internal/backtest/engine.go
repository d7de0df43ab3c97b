package backtest

import (
	"fmt"
	"time"

	"github.com/quantdesk/quantdesk/internal/marketdata"
)

// Exit reasons recorded on closed trades
const (
	ReasonCloseLong      = "close_long"
	ReasonCloseShort     = "close_short"
	ReasonCloseLongStop  = "close_long_stop"
	ReasonCloseShortStop = "close_short_stop"
	ReasonTrailingStop   = "trailing_stop"
	ReasonTakeProfit     = "take_profit"
	ReasonLiquidation    = "liquidation"
	ReasonScaleReduce    = "scale_reduce"
)

// A run terminates once free capital drops below this with no position
const minCapitalToTrade = 1.0

// Trade is one closed (or partially closed) round trip
type Trade struct {
	EntryTime  int64   `json:"entry_time"`
	ExitTime   int64   `json:"exit_time"`
	Side       string  `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Quantity   float64 `json:"quantity"`
	PnL        float64 `json:"pnl"`
	Reason     string  `json:"reason"`
}

// EquityPoint is one equity-curve sample at bar close
type EquityPoint struct {
	Time   int64   `json:"time"`
	Equity float64 `json:"equity"`
}

// SimResult is the raw simulation outcome before metric aggregation
type SimResult struct {
	EquityCurve  []EquityPoint `json:"equity_curve"`
	Trades       []Trade       `json:"trades"`
	FinalCapital float64       `json:"final_capital"`
	Liquidated   bool          `json:"liquidated"`
}

type simParams struct {
	InitialCapital float64
	Commission     float64
	Slippage       float64
	Leverage       int
	Direction      string
}

type openPosition struct {
	side       string
	qty        float64
	entry      float64
	margin     float64
	entryTime  int64
	highest    float64
	lowest     float64
	trailArmed bool

	addCount           int
	trendReduceCount   int
	adverseReduceCount int
}

type engine struct {
	cfg      *StrategyConfig
	p        simParams
	deadline time.Time

	capital    float64
	pos        *openPosition
	trades     []Trade
	curve      []EquityPoint
	liquidated bool

	slFrac, tpFrac, trailFrac, actFrac float64
}

// simulate walks the candle series applying signals, intra-bar risk
// checks and scaling rules. Signals must be aligned to bars.
func simulate(bars []marketdata.Bar, sig *Signals, cfg *StrategyConfig, p simParams, deadline time.Time) (*SimResult, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("no candles to simulate")
	}
	if sig.Len() != len(bars) {
		return nil, fmt.Errorf("signal length %d does not match %d candles", sig.Len(), len(bars))
	}
	if p.Leverage < 1 {
		p.Leverage = 1
	}
	if p.Direction == "" {
		p.Direction = DirectionBoth
	}
	if p.InitialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive")
	}

	e := &engine{
		cfg:       cfg,
		p:         p,
		deadline:  deadline,
		capital:   p.InitialCapital,
		slFrac:    priceFraction(cfg.Risk.StopLossPct, p.Leverage),
		trailFrac: priceFraction(cfg.Risk.Trailing.Pct, p.Leverage),
		actFrac:   priceFraction(cfg.Risk.Trailing.ActivationPct, p.Leverage),
	}
	// Fixed take-profit is off while trailing is enabled
	if !cfg.Risk.Trailing.Enabled {
		e.tpFrac = priceFraction(cfg.Risk.TakeProfitPct, p.Leverage)
	}

	var pending *barSignal
	for i := range bars {
		if i%2048 == 0 && !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("simulation budget exceeded at bar %d of %d", i, len(bars))
		}
		bar := bars[i]

		if pending != nil {
			e.applySignals(*pending, bar.Time, bar.Open)
			pending = nil
		}
		if !e.liquidated && e.pos != nil {
			e.walkBar(bar)
		}

		sb := signalAt(sig, i)
		if !e.liquidated {
			if cfg.Execution.SignalTiming == TimingBarClose {
				e.applySignals(sb, bar.Time, bar.Close)
			} else if sb.any() {
				copied := sb
				pending = &copied
			}
		}
		// Scaling never runs on a bar that carries a main signal
		if !e.liquidated && !sb.any() && e.pos != nil {
			e.applyScaling(bar)
		}

		e.curve = append(e.curve, EquityPoint{Time: bar.Time, Equity: e.equity(bar.Close)})
		if e.liquidated {
			break
		}
		if e.pos == nil && e.capital < minCapitalToTrade {
			e.liquidated = true
			break
		}
	}

	return &SimResult{
		EquityCurve:  e.curve,
		Trades:       e.trades,
		FinalCapital: e.finalEquity(),
		Liquidated:   e.liquidated,
	}, nil
}

type barSignal struct {
	openLong, closeLong, openShort, closeShort bool
}

func (b barSignal) any() bool {
	return b.openLong || b.closeLong || b.openShort || b.closeShort
}

func signalAt(sig *Signals, i int) barSignal {
	return barSignal{
		openLong:   sig.OpenLong[i],
		closeLong:  sig.CloseLong[i],
		openShort:  sig.OpenShort[i],
		closeShort: sig.CloseShort[i],
	}
}

func (e *engine) allowLong() bool {
	return e.p.Direction == DirectionLong || e.p.Direction == DirectionBoth
}

func (e *engine) allowShort() bool {
	return e.p.Direction == DirectionShort || e.p.Direction == DirectionBoth
}

// applySignals closes first, then opens from flat. An opposite-side
// open while still positioned closes and reverses.
func (e *engine) applySignals(sb barSignal, t int64, price float64) {
	if e.pos != nil {
		switch {
		case e.pos.side == DirectionLong && (sb.closeLong || (sb.openShort && e.allowShort())):
			e.closeAll(t, price, ReasonCloseLong)
		case e.pos.side == DirectionShort && (sb.closeShort || (sb.openLong && e.allowLong())):
			e.closeAll(t, price, ReasonCloseShort)
		}
	}
	if e.pos != nil || e.liquidated {
		return
	}
	if sb.openLong && e.allowLong() {
		e.open(DirectionLong, t, price)
	} else if sb.openShort && e.allowShort() {
		e.open(DirectionShort, t, price)
	}
}

func (e *engine) open(side string, t int64, price float64) {
	if price <= 0 {
		return
	}
	fill := price * (1 + e.p.Slippage)
	if side == DirectionShort {
		fill = price * (1 - e.p.Slippage)
	}

	lev := float64(e.p.Leverage)
	margin := e.capital * e.cfg.Position.EntryPct / (1 + lev*e.p.Commission)
	if margin < minCapitalToTrade {
		return
	}
	fee := margin * lev * e.p.Commission
	e.capital -= margin + fee

	e.pos = &openPosition{
		side:      side,
		qty:       margin * lev / fill,
		entry:     fill,
		margin:    margin,
		entryTime: t,
		highest:   fill,
		lowest:    fill,
	}
}

// closeAll realizes the whole position at price
func (e *engine) closeAll(t int64, price float64, reason string) {
	e.closePartial(1, t, price, reason)
}

func (e *engine) closePartial(fraction float64, t int64, price float64, reason string) {
	pos := e.pos
	if pos == nil || fraction <= 0 {
		return
	}
	if fraction > 1 {
		fraction = 1
	}
	fill := price * (1 - e.p.Slippage)
	if pos.side == DirectionShort {
		fill = price * (1 + e.p.Slippage)
	}

	qty := pos.qty * fraction
	margin := pos.margin * fraction
	pnl := (fill - pos.entry) * qty
	if pos.side == DirectionShort {
		pnl = (pos.entry - fill) * qty
	}
	fee := fill * qty * e.p.Commission

	e.capital += margin + pnl - fee
	if e.capital < 0 {
		e.capital = 0
	}
	e.trades = append(e.trades, Trade{
		EntryTime:  pos.entryTime,
		ExitTime:   t,
		Side:       pos.side,
		EntryPrice: pos.entry,
		ExitPrice:  fill,
		Quantity:   qty,
		PnL:        pnl - fee,
		Reason:     reason,
	})

	if fraction >= 1 {
		e.pos = nil
		return
	}
	pos.qty -= qty
	pos.margin -= margin
}

// liquidate zeroes the margin and halts the run
func (e *engine) liquidate(t int64, price float64) {
	pos := e.pos
	e.trades = append(e.trades, Trade{
		EntryTime:  pos.entryTime,
		ExitTime:   t,
		Side:       pos.side,
		EntryPrice: pos.entry,
		ExitPrice:  price,
		Quantity:   pos.qty,
		PnL:        -pos.margin,
		Reason:     ReasonLiquidation,
	})
	e.pos = nil
	e.liquidated = true
}

// liqPrice is entry*(1 - 1/lev) for long, entry*(1 + 1/lev) for short
func (e *engine) liqPrice() float64 {
	lev := float64(e.p.Leverage)
	if e.pos.side == DirectionLong {
		return e.pos.entry * (1 - 1/lev)
	}
	return e.pos.entry * (1 + 1/lev)
}

// walkBar traverses the inferred intra-bar path checking triggers in
// order. Exit priority within a downward (long) or upward (short) leg
// is stop loss, then trailing, then liquidation; take profit lives on
// the favorable leg.
func (e *engine) walkBar(bar marketdata.Bar) {
	var points []float64
	if bar.Close >= bar.Open {
		points = []float64{bar.Open, bar.Low, bar.High, bar.Close}
	} else {
		points = []float64{bar.Open, bar.High, bar.Low, bar.Close}
	}

	// A gap beyond a trigger at the open fills at the open price
	if e.checkAt(bar.Time, points[0], points[0]) {
		return
	}
	prev := points[0]
	for _, p := range points[1:] {
		if e.pos == nil || e.liquidated {
			return
		}
		if e.legExit(bar.Time, prev, p) {
			return
		}
		prev = p
	}
}

// checkAt handles a static breach at a single price (the bar open)
func (e *engine) checkAt(t int64, price, fill float64) bool {
	pos := e.pos
	long := pos.side == DirectionLong
	liq := e.liqPrice()
	adverse := liq > 0 && (long && price <= liq || !long && price >= liq)

	if e.slFrac > 0 {
		sl := pos.entry * (1 - e.slFrac)
		slReason := ReasonCloseLongStop
		if !long {
			sl = pos.entry * (1 + e.slFrac)
			slReason = ReasonCloseShortStop
		}
		if long && price <= sl || !long && price >= sl {
			if adverse && !slLessAdverse(long, sl, liq) {
				e.liquidate(t, liq)
			} else {
				e.closeAll(t, fill, slReason)
			}
			return true
		}
	}
	if adverse {
		e.liquidate(t, liq)
		return true
	}
	if e.trailActiveStop() > 0 {
		ts := e.trailActiveStop()
		if long && price <= ts || !long && price >= ts {
			e.closeAll(t, fill, ReasonTrailingStop)
			return true
		}
	}
	if e.tpFrac > 0 {
		tp := pos.entry * (1 + e.tpFrac)
		if !long {
			tp = pos.entry * (1 - e.tpFrac)
		}
		if long && price >= tp || !long && price <= tp {
			e.closeAll(t, fill, ReasonTakeProfit)
			return true
		}
	}
	e.updateExtremes(price)
	return false
}

// legExit checks trigger crossings on one path leg from a to b
func (e *engine) legExit(t int64, a, b float64) bool {
	pos := e.pos
	long := pos.side == DirectionLong
	down := b < a

	adverseLeg := long && down || !long && !down
	if adverseLeg {
		liq := e.liqPrice()
		liqHit := liq > 0 && between(liq, a, b)

		if e.slFrac > 0 {
			sl := pos.entry * (1 - e.slFrac)
			slReason := ReasonCloseLongStop
			if !long {
				sl = pos.entry * (1 + e.slFrac)
				slReason = ReasonCloseShortStop
			}
			if between(sl, a, b) {
				if liqHit && !slLessAdverse(long, sl, liq) {
					e.liquidate(t, liq)
				} else {
					e.closeAll(t, sl, slReason)
				}
				return true
			}
		}
		if ts := e.trailActiveStop(); ts > 0 && between(ts, a, b) {
			e.closeAll(t, ts, ReasonTrailingStop)
			return true
		}
		if liqHit {
			e.liquidate(t, e.liqPrice())
			return true
		}
	} else {
		e.updateExtremes(b)
		if e.tpFrac > 0 {
			tp := pos.entry * (1 + e.tpFrac)
			if !long {
				tp = pos.entry * (1 - e.tpFrac)
			}
			if between(tp, a, b) {
				e.closeAll(t, tp, ReasonTakeProfit)
				return true
			}
		}
	}
	return false
}

// slLessAdverse reports whether the stop fill is less adverse than
// liquidation (long: SL above liq; short: SL below liq)
func slLessAdverse(long bool, sl, liq float64) bool {
	if long {
		return sl > liq
	}
	return sl < liq
}

func between(level, a, b float64) bool {
	if a > b {
		a, b = b, a
	}
	return level >= a && level <= b
}

// updateExtremes tracks the favorable excursion and arms the trailing
// stop once the activation threshold is reached
func (e *engine) updateExtremes(price float64) {
	pos := e.pos
	if price > pos.highest {
		pos.highest = price
	}
	if price < pos.lowest {
		pos.lowest = price
	}
	if !e.cfg.Risk.Trailing.Enabled || pos.trailArmed {
		return
	}
	if pos.side == DirectionLong && pos.highest >= pos.entry*(1+e.actFrac) {
		pos.trailArmed = true
	}
	if pos.side == DirectionShort && pos.lowest <= pos.entry*(1-e.actFrac) {
		pos.trailArmed = true
	}
}

// trailActiveStop returns the live trailing-stop price or 0
func (e *engine) trailActiveStop() float64 {
	pos := e.pos
	if pos == nil || !pos.trailArmed || e.trailFrac <= 0 {
		return 0
	}
	if pos.side == DirectionLong {
		return pos.highest * (1 - e.trailFrac)
	}
	return pos.lowest * (1 + e.trailFrac)
}

// applyScaling fires at most one ladder rung per bar, at the close
func (e *engine) applyScaling(bar marketdata.Bar) {
	pos := e.pos
	c := bar.Close
	if c <= 0 || pos.entry <= 0 {
		return
	}
	lev := e.p.Leverage

	favorable := (c - pos.entry) / pos.entry
	if pos.side == DirectionShort {
		favorable = (pos.entry - c) / pos.entry
	}
	adverse := -favorable

	if rule := e.cfg.Scale.TrendAdd; rule.Enabled && pos.addCount < rule.MaxTimes &&
		favorable >= priceFraction(rule.StepPct, lev)*float64(pos.addCount+1) {
		e.addToPosition(rule.SizePct, c)
		return
	}
	if rule := e.cfg.Scale.DcaAdd; rule.Enabled && pos.addCount < rule.MaxTimes &&
		adverse >= priceFraction(rule.StepPct, lev)*float64(pos.addCount+1) {
		e.addToPosition(rule.SizePct, c)
		return
	}
	if rule := e.cfg.Scale.TrendReduce; rule.Enabled && pos.trendReduceCount < rule.MaxTimes &&
		favorable >= priceFraction(rule.StepPct, lev)*float64(pos.trendReduceCount+1) {
		pos.trendReduceCount++
		e.closePartial(rule.SizePct, bar.Time, c, ReasonScaleReduce)
		return
	}
	if rule := e.cfg.Scale.AdverseReduce; rule.Enabled && pos.adverseReduceCount < rule.MaxTimes &&
		adverse >= priceFraction(rule.StepPct, lev)*float64(pos.adverseReduceCount+1) {
		pos.adverseReduceCount++
		e.closePartial(rule.SizePct, bar.Time, c, ReasonScaleReduce)
	}
}

// addToPosition commits sizeFrac of free capital as extra margin at
// the current price, re-averaging the entry
func (e *engine) addToPosition(sizeFrac float64, price float64) {
	pos := e.pos
	lev := float64(e.p.Leverage)

	fill := price * (1 + e.p.Slippage)
	if pos.side == DirectionShort {
		fill = price * (1 - e.p.Slippage)
	}
	margin := e.capital * sizeFrac / (1 + lev*e.p.Commission)
	if margin < minCapitalToTrade {
		return
	}
	fee := margin * lev * e.p.Commission
	qty := margin * lev / fill

	e.capital -= margin + fee
	pos.entry = (pos.entry*pos.qty + fill*qty) / (pos.qty + qty)
	pos.qty += qty
	pos.margin += margin
	pos.addCount++
}

// equity is free capital plus margin plus unrealized PnL, floored at 0
func (e *engine) equity(price float64) float64 {
	eq := e.capital
	if e.pos != nil {
		unrealized := (price - e.pos.entry) * e.pos.qty
		if e.pos.side == DirectionShort {
			unrealized = (e.pos.entry - price) * e.pos.qty
		}
		eq += e.pos.margin + unrealized
	}
	if eq < 0 {
		eq = 0
	}
	return eq
}

func (e *engine) finalEquity() float64 {
	if len(e.curve) == 0 {
		return e.capital
	}
	return e.curve[len(e.curve)-1].Equity
}
