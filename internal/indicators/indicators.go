// Package indicators computes a technical snapshot from a bar series:
// momentum, trend, volatility readings plus derived support/resistance
// and suggested trading levels.
package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/quantdesk/quantdesk/internal/marketdata"
)

const (
	rsiPeriod      = 14
	macdFast       = 12
	macdSlow       = 26
	macdSignal     = 9
	bollPeriod     = 20
	atrPeriod      = 14
	swingLookback  = 20
	minBarsForFull = 26
)

// MACD is the MACD triple with the latest crossover state
type MACD struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
	Crossover string  `json:"crossover"` // "bullish", "bearish", "none"
}

// MovingAverages are the short/medium/long simple averages
type MovingAverages struct {
	MA5  float64 `json:"ma5"`
	MA10 float64 `json:"ma10"`
	MA20 float64 `json:"ma20"`
}

// Bollinger is the 20-period band set with width as percent of middle
type Bollinger struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	Width  float64 `json:"width"`
}

// PivotLevels carries classic prior-bar pivots plus swing extremes
type PivotLevels struct {
	Pivot     float64 `json:"pivot"`
	S1        float64 `json:"s1"`
	R1        float64 `json:"r1"`
	S2        float64 `json:"s2"`
	R2        float64 `json:"r2"`
	SwingHigh float64 `json:"swing_high"`
	SwingLow  float64 `json:"swing_low"`
}

// Volatility summarizes range expansion as an ATR-derived level
type Volatility struct {
	Level string  `json:"level"` // "low", "medium", "high"
	Pct   float64 `json:"pct"`
	ATR   float64 `json:"atr"`
}

// TradingLevels are the ATR-and-structure suggested protective levels
type TradingLevels struct {
	SuggestedStopLoss   float64 `json:"suggested_stop_loss"`
	SuggestedTakeProfit float64 `json:"suggested_take_profit"`
	RiskRewardRatio     float64 `json:"risk_reward_ratio"`
}

// Snapshot is the full technical picture for one bar series
type Snapshot struct {
	RSI            float64        `json:"rsi"`
	MACD           MACD           `json:"macd"`
	MovingAverages MovingAverages `json:"moving_averages"`
	Bollinger      *Bollinger     `json:"bollinger,omitempty"`
	ATR            float64        `json:"atr"`
	PivotLevels    PivotLevels    `json:"pivot_levels"`
	Support        float64        `json:"support"`
	Resistance     float64        `json:"resistance"`
	Volatility     Volatility     `json:"volatility"`
	TradingLevels  TradingLevels  `json:"trading_levels"`
	PricePosition  float64        `json:"price_position"`
	Trend          string         `json:"trend"`
	CurrentPrice   float64        `json:"current_price"`
}

// Compute derives a Snapshot from ascending bars. It is a pure function:
// no I/O, no suspension. At least 26 bars are required so the slow MACD
// leg and the Bollinger window are both seeded.
func Compute(bars []marketdata.Bar) (*Snapshot, error) {
	if len(bars) < minBarsForFull {
		return nil, fmt.Errorf("insufficient bars: need at least %d, got %d", minBarsForFull, len(bars))
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	current := closes[len(closes)-1]

	snap := &Snapshot{
		CurrentPrice: current,
		RSI:          computeRSI(closes),
		MACD:         computeMACD(closes),
		MovingAverages: MovingAverages{
			MA5:  sma(closes, 5),
			MA10: sma(closes, 10),
			MA20: sma(closes, 20),
		},
		ATR: computeATR(bars),
	}

	snap.Bollinger = computeBollinger(closes)
	snap.PivotLevels = computePivots(bars)
	snap.Support, snap.Resistance = supportResistance(snap.PivotLevels, snap.Bollinger)
	snap.PricePosition = pricePosition(bars, current)
	snap.Trend = classifyTrend(current, snap.MovingAverages)
	snap.Volatility = classifyVolatility(snap.ATR, current)
	snap.TradingLevels = tradingLevels(current, snap.ATR, snap.Support, snap.Resistance)

	return snap, nil
}

func sliceToChan(values []float64) chan float64 {
	c := make(chan float64, len(values))
	for _, v := range values {
		c <- v
	}
	close(c)
	return c
}

func computeRSI(closes []float64) float64 {
	rsi := momentum.NewRsiWithPeriod[float64](rsiPeriod)
	out := rsi.Compute(sliceToChan(closes))

	var last float64
	for v := range out {
		last = v
	}
	return last
}

func computeMACD(closes []float64) MACD {
	macd := trend.NewMacdWithPeriod[float64](macdFast, macdSlow, macdSignal)
	macdChan, signalChan := macd.Compute(sliceToChan(closes))

	var macdValues, signalValues []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdValues = append(macdValues, m)
		signalValues = append(signalValues, s)
	}
	if len(macdValues) == 0 {
		return MACD{Crossover: "none"}
	}

	n := len(macdValues)
	result := MACD{
		MACD:      macdValues[n-1],
		Signal:    signalValues[n-1],
		Crossover: "none",
	}
	result.Histogram = result.MACD - result.Signal

	if n >= 2 {
		prevHist := macdValues[n-2] - signalValues[n-2]
		if prevHist <= 0 && result.Histogram > 0 {
			result.Crossover = "bullish"
		}
		if prevHist >= 0 && result.Histogram < 0 {
			result.Crossover = "bearish"
		}
	}
	return result
}

func computeBollinger(closes []float64) *Bollinger {
	if len(closes) < bollPeriod {
		return nil
	}
	bb := volatility.NewBollingerBandsWithPeriod[float64](bollPeriod)
	lowerChan, middleChan, upperChan := bb.Compute(sliceToChan(closes))

	var lower, middle, upper float64
	got := false
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lower, middle, upper = l, m, u
		got = true
	}
	if !got || middle == 0 {
		return nil
	}

	return &Bollinger{
		Upper:  upper,
		Middle: middle,
		Lower:  lower,
		Width:  (upper - lower) / middle * 100,
	}
}

// computeATR is the arithmetic mean of the last 14 true ranges, not the
// Wilder-smoothed variant
func computeATR(bars []marketdata.Bar) float64 {
	if len(bars) < 2 {
		return 0
	}
	start := len(bars) - atrPeriod
	if start < 1 {
		start = 1
	}

	sum := 0.0
	count := 0
	for i := start; i < len(bars); i++ {
		tr := trueRange(bars[i], bars[i-1])
		sum += tr
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func trueRange(cur, prev marketdata.Bar) float64 {
	tr := cur.High - cur.Low
	if d := abs(cur.High - prev.Close); d > tr {
		tr = d
	}
	if d := abs(cur.Low - prev.Close); d > tr {
		tr = d
	}
	return tr
}

// computePivots uses the prior completed bar for the classic pivot set and
// the last 20 bars for swing extremes
func computePivots(bars []marketdata.Bar) PivotLevels {
	prev := bars[len(bars)-2]
	pivot := (prev.High + prev.Low + prev.Close) / 3

	levels := PivotLevels{
		Pivot: pivot,
		R1:    2*pivot - prev.Low,
		S1:    2*pivot - prev.High,
		R2:    pivot + (prev.High - prev.Low),
		S2:    pivot - (prev.High - prev.Low),
	}

	start := len(bars) - swingLookback
	if start < 0 {
		start = 0
	}
	levels.SwingHigh = bars[start].High
	levels.SwingLow = bars[start].Low
	for _, b := range bars[start:] {
		if b.High > levels.SwingHigh {
			levels.SwingHigh = b.High
		}
		if b.Low < levels.SwingLow {
			levels.SwingLow = b.Low
		}
	}
	return levels
}

// supportResistance averages the structural levels: pivot S1/R1, swing
// extremes, and the Bollinger bands when available
func supportResistance(p PivotLevels, bb *Bollinger) (float64, float64) {
	supParts := []float64{p.S1, p.SwingLow}
	resParts := []float64{p.R1, p.SwingHigh}
	if bb != nil {
		supParts = append(supParts, bb.Lower)
		resParts = append(resParts, bb.Upper)
	}
	return mean(supParts), mean(resParts)
}

// pricePosition is the percentile of the current close within the last
// 20 bars' high-low range
func pricePosition(bars []marketdata.Bar, current float64) float64 {
	start := len(bars) - swingLookback
	if start < 0 {
		start = 0
	}
	high := bars[start].High
	low := bars[start].Low
	for _, b := range bars[start:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	if high <= low {
		return 50
	}
	pos := (current - low) / (high - low) * 100
	if pos < 0 {
		pos = 0
	}
	if pos > 100 {
		pos = 100
	}
	return pos
}

func classifyTrend(current float64, ma MovingAverages) string {
	switch {
	case current > ma.MA5 && ma.MA5 > ma.MA10 && ma.MA10 > ma.MA20:
		return "strong_uptrend"
	case current < ma.MA5 && ma.MA5 < ma.MA10 && ma.MA10 < ma.MA20:
		return "strong_downtrend"
	case current > ma.MA20:
		return "uptrend"
	case current < ma.MA20:
		return "downtrend"
	default:
		return "sideways"
	}
}

func classifyVolatility(atr, current float64) Volatility {
	v := Volatility{ATR: atr}
	if current > 0 {
		v.Pct = atr / current * 100
	}
	switch {
	case v.Pct > 5:
		v.Level = "high"
	case v.Pct > 2:
		v.Level = "medium"
	default:
		v.Level = "low"
	}
	return v
}

// tradingLevels anchors the stop two ATRs below price but never beyond
// support, and the target three ATRs above but never beyond resistance
func tradingLevels(current, atr, support, resistance float64) TradingLevels {
	stop := current - 2*atr
	if s := support * 0.99; s > stop {
		stop = s
	}
	take := current + 3*atr
	if r := resistance * 1.01; r < take {
		take = r
	}

	levels := TradingLevels{
		SuggestedStopLoss:   stop,
		SuggestedTakeProfit: take,
	}
	if risk := current - stop; risk > 0 {
		levels.RiskRewardRatio = (take - current) / risk
	}
	return levels
}

func sma(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
