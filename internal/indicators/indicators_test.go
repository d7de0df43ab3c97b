package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/quantdesk/internal/marketdata"
)

// flatBars builds n identical bars around a price with a fixed range
func flatBars(n int, price, spread float64) []marketdata.Bar {
	bars := make([]marketdata.Bar, n)
	for i := range bars {
		bars[i] = marketdata.Bar{
			Time:   int64(i * 3600),
			Open:   price,
			High:   price + spread,
			Low:    price - spread,
			Close:  price,
			Volume: 1000,
		}
	}
	return bars
}

// trendingBars builds n bars stepping by delta per bar
func trendingBars(n int, start, delta float64) []marketdata.Bar {
	bars := make([]marketdata.Bar, n)
	price := start
	for i := range bars {
		open := price
		price += delta
		high := math.Max(open, price) + math.Abs(delta)*0.2
		low := math.Min(open, price) - math.Abs(delta)*0.2
		bars[i] = marketdata.Bar{
			Time:   int64(i * 3600),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  price,
			Volume: 1000,
		}
	}
	return bars
}

func TestComputeRequiresEnoughBars(t *testing.T) {
	_, err := Compute(flatBars(10, 100, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient bars")
}

func TestComputeUptrend(t *testing.T) {
	bars := trendingBars(60, 100, 1)
	snap, err := Compute(bars)
	require.NoError(t, err)

	assert.Equal(t, "strong_uptrend", snap.Trend)
	assert.Greater(t, snap.RSI, 60.0, "steady rise should push RSI high")
	assert.Greater(t, snap.MACD.MACD, 0.0)
	assert.Greater(t, snap.MovingAverages.MA5, snap.MovingAverages.MA10)
	assert.Greater(t, snap.MovingAverages.MA10, snap.MovingAverages.MA20)
	assert.Greater(t, snap.PricePosition, 90.0, "close sits at the top of the range")
}

func TestComputeDowntrend(t *testing.T) {
	bars := trendingBars(60, 200, -1)
	snap, err := Compute(bars)
	require.NoError(t, err)

	assert.Equal(t, "strong_downtrend", snap.Trend)
	assert.Less(t, snap.RSI, 40.0)
	assert.Less(t, snap.MACD.MACD, 0.0)
	assert.Less(t, snap.PricePosition, 10.0)
}

func TestComputeSidewaysMarket(t *testing.T) {
	bars := flatBars(60, 100, 2)
	snap, err := Compute(bars)
	require.NoError(t, err)

	assert.Equal(t, "sideways", snap.Trend)
	assert.InDelta(t, 100.0, snap.MovingAverages.MA20, 1e-9)
	assert.InDelta(t, 4.0, snap.ATR, 1e-9, "flat bars have a constant 4-point true range")
	assert.InDelta(t, 50.0, snap.PricePosition, 1e-9)
}

func TestPivotLevels(t *testing.T) {
	bars := flatBars(30, 100, 2)
	// prior bar: H=110, L=90, C=100 -> pivot 100, r1 110, s1 90, r2 120, s2 80
	bars[len(bars)-2] = marketdata.Bar{
		Time: bars[len(bars)-2].Time,
		Open: 100, High: 110, Low: 90, Close: 100, Volume: 1000,
	}

	snap, err := Compute(bars)
	require.NoError(t, err)

	p := snap.PivotLevels
	assert.InDelta(t, 100.0, p.Pivot, 1e-9)
	assert.InDelta(t, 110.0, p.R1, 1e-9)
	assert.InDelta(t, 90.0, p.S1, 1e-9)
	assert.InDelta(t, 120.0, p.R2, 1e-9)
	assert.InDelta(t, 80.0, p.S2, 1e-9)
	assert.InDelta(t, 110.0, p.SwingHigh, 1e-9)
	assert.InDelta(t, 90.0, p.SwingLow, 1e-9)
}

func TestSupportBelowPriceBelowResistance(t *testing.T) {
	snap, err := Compute(flatBars(60, 100, 2))
	require.NoError(t, err)

	assert.LessOrEqual(t, snap.Support, snap.CurrentPrice)
	assert.GreaterOrEqual(t, snap.Resistance, snap.CurrentPrice)
}

func TestTradingLevels(t *testing.T) {
	levels := tradingLevels(100, 3, 90, 115)

	// stop: max(100 - 6, 90*0.99) = max(94, 89.1) = 94
	assert.InDelta(t, 94.0, levels.SuggestedStopLoss, 1e-9)
	// take: min(100 + 9, 115*1.01) = min(109, 116.15) = 109
	assert.InDelta(t, 109.0, levels.SuggestedTakeProfit, 1e-9)
	// rr: (109-100)/(100-94) = 1.5
	assert.InDelta(t, 1.5, levels.RiskRewardRatio, 1e-9)
}

func TestTradingLevelsClampedByStructure(t *testing.T) {
	// tight structure: support just below price, resistance just above
	levels := tradingLevels(100, 10, 99, 101)

	assert.InDelta(t, 99*0.99, levels.SuggestedStopLoss, 1e-9)
	assert.InDelta(t, 101*1.01, levels.SuggestedTakeProfit, 1e-9)
}

func TestClassifyVolatility(t *testing.T) {
	assert.Equal(t, "low", classifyVolatility(1, 100).Level)
	assert.Equal(t, "medium", classifyVolatility(3, 100).Level)
	assert.Equal(t, "high", classifyVolatility(6, 100).Level)
	assert.InDelta(t, 6.0, classifyVolatility(6, 100).Pct, 1e-9)
}

func TestClassifyTrendTable(t *testing.T) {
	tests := []struct {
		name                 string
		current, m5, m10, m20 float64
		want                 string
	}{
		{"stacked up", 110, 108, 105, 100, "strong_uptrend"},
		{"stacked down", 90, 92, 95, 100, "strong_downtrend"},
		{"above long ma only", 103, 104, 101, 100, "uptrend"},
		{"below long ma only", 97, 96, 99, 100, "downtrend"},
		{"at long ma", 100, 101, 99, 100, "sideways"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyTrend(tt.current, MovingAverages{MA5: tt.m5, MA10: tt.m10, MA20: tt.m20})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestATRArithmeticMean(t *testing.T) {
	// alternating wide and narrow bars: TR alternates 8 and 2 with no gaps
	bars := make([]marketdata.Bar, 30)
	for i := range bars {
		spread := 1.0
		if i%2 == 0 {
			spread = 4.0
		}
		bars[i] = marketdata.Bar{
			Time: int64(i * 3600), Open: 100, High: 100 + spread, Low: 100 - spread,
			Close: 100, Volume: 1,
		}
	}
	// last 14 bars alternate evenly
	atr := computeATR(bars)
	assert.InDelta(t, 5.0, atr, 1e-9)
}
