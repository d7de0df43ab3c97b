package backtest

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/quantdesk/internal/marketdata"
)

func closesToBars(closes []float64) []marketdata.Bar {
	bars := make([]marketdata.Bar, len(closes))
	for i, c := range closes {
		bars[i] = marketdata.Bar{
			Time: int64(i) * 3600, Open: c, High: c, Low: c, Close: c, Volume: 100,
		}
	}
	return bars
}

func TestSeriesSMA(t *testing.T) {
	out := seriesSMA([]float64{1, 2, 3, 4, 5}, 3)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2, out[2], 1e-9)
	assert.InDelta(t, 3, out[3], 1e-9)
	assert.InDelta(t, 4, out[4], 1e-9)
}

func TestSeriesEMASeedsWithSMA(t *testing.T) {
	out := seriesEMA([]float64{2, 4, 6, 6, 6}, 3)
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 4, out[2], 1e-9)
	// k = 0.5: 4 + (6-4)*0.5 = 5, then 5.5
	assert.InDelta(t, 5, out[3], 1e-9)
	assert.InDelta(t, 5.5, out[4], 1e-9)
}

func TestSeriesRSIExtremes(t *testing.T) {
	up := seriesRSI([]float64{1, 2, 3, 4, 5, 6}, 3)
	assert.InDelta(t, 100, up[5], 1e-9)

	down := seriesRSI([]float64{6, 5, 4, 3, 2, 1}, 3)
	assert.InDelta(t, 0, down[5], 1e-9)
}

func TestSeriesCross(t *testing.T) {
	a := []float64{1, 1, 3, 3, 1}
	b := []float64{2, 2, 2, 2, 2}
	over := seriesCross(a, b, true)
	under := seriesCross(a, b, false)
	assert.Equal(t, []float64{0, 0, 1, 0, 0}, over)
	assert.Equal(t, []float64{0, 0, 0, 0, 1}, under)
}

func TestGenerateSignalsCrossover(t *testing.T) {
	bars := closesToBars([]float64{10, 9, 8, 7, 8, 10, 12, 13})
	code := `
fast = SMA(close, 2)
slow = SMA(close, 4)
buy  = CROSSOVER(fast, slow)
sell = CROSSUNDER(fast, slow)
`
	sig, err := GenerateSignals(code, bars, 0)
	require.NoError(t, err)
	require.Equal(t, len(bars), sig.Len())

	for i := range bars {
		assert.Equal(t, i == 5, sig.OpenLong[i], "bar %d", i)
	}
	// buy/sell also populate the short-side columns
	assert.True(t, sig.CloseShort[5])
}

func TestGenerateSignalsFourWay(t *testing.T) {
	bars := closesToBars([]float64{10, 20, 30, 40, 50})
	code := `
open_long  = close > 25
close_long = close > 45
open_short = close < 15
`
	sig, err := GenerateSignals(code, bars, 0)
	require.NoError(t, err)
	assert.True(t, sig.OpenLong[2])
	assert.False(t, sig.OpenLong[1])
	assert.True(t, sig.CloseLong[4])
	assert.True(t, sig.OpenShort[0])
	assert.False(t, sig.CloseShort[0], "undeclared column stays false")
}

func TestGenerateSignalsBooleanOperators(t *testing.T) {
	bars := closesToBars([]float64{10, 20, 30, 40, 50})
	code := `buy = close > 15 AND close < 45 AND NOT (close == 30); sell = close >= 50 OR close <= 10`
	sig, err := GenerateSignals(code, bars, 0)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, true, false}, sig.OpenLong)
	assert.Equal(t, []bool{true, false, false, false, true}, sig.CloseLong)
}

func TestGenerateSignalsErrors(t *testing.T) {
	bars := closesToBars([]float64{1, 2, 3})

	_, err := GenerateSignals("", bars, 0)
	assert.Error(t, err)

	_, err = GenerateSignals("buy = nosuchcolumn > 1", bars, 0)
	assert.Error(t, err)

	_, err = GenerateSignals("x = close > 1", bars, 0)
	assert.ErrorContains(t, err, "must define")

	_, err = GenerateSignals("buy = close > 1", bars, 0)
	assert.ErrorContains(t, err, "without sell")

	_, err = GenerateSignals("buy = SMA(close)", bars, 0)
	assert.Error(t, err)

	_, err = GenerateSignals("buy = BADFN(close, 3)", bars, 0)
	assert.ErrorContains(t, err, "unknown function")
}

func TestGenerateSignalsBudgetExceeded(t *testing.T) {
	bars := closesToBars([]float64{1, 2, 3})
	code := "x = close" + strings.Repeat(" + 1", 80) + "\nbuy = x > 0\nsell = x < 0"

	_, err := GenerateSignals(code, bars, time.Nanosecond)
	assert.ErrorContains(t, err, "budget")
}

func TestScriptComments(t *testing.T) {
	bars := closesToBars([]float64{1, 2, 3})
	code := `
# threshold entry
buy = close > 2  # fires on the last bar
sell = close < 2
`
	sig, err := GenerateSignals(code, bars, 0)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true}, sig.OpenLong)
}
