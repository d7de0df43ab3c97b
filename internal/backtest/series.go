package backtest

import "math"

// Series helpers for the indicator script. All outputs are aligned to
// the input length with NaN over the warm-up prefix, so indexed access
// lines up with the candle array.

func seriesSMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

func seriesEMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	// Seed with the SMA of the first window
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	out[period-1] = seed

	k := 2.0 / float64(period+1)
	prev := seed
	for i := period; i < len(values); i++ {
		prev = (values[i]-prev)*k + prev
		out[i] = prev
	}
	return out
}

func seriesRSI(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// seriesMACD returns the macd line, signal line and histogram
func seriesMACD(values []float64, fast, slow, signal int) ([]float64, []float64, []float64) {
	macd := nanSeries(len(values))
	fastEMA := seriesEMA(values, fast)
	slowEMA := seriesEMA(values, slow)
	for i := range values {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			macd[i] = fastEMA[i] - slowEMA[i]
		}
	}

	// Signal is the EMA of the macd line over its defined region
	sig := nanSeries(len(values))
	start := 0
	for start < len(macd) && math.IsNaN(macd[start]) {
		start++
	}
	if start < len(macd) {
		defined := seriesEMA(macd[start:], signal)
		copy(sig[start:], defined)
	}

	hist := nanSeries(len(values))
	for i := range values {
		if !math.IsNaN(macd[i]) && !math.IsNaN(sig[i]) {
			hist[i] = macd[i] - sig[i]
		}
	}
	return macd, sig, hist
}

// seriesBollinger returns upper, middle, lower bands at k standard
// deviations
func seriesBollinger(values []float64, period int, k float64) ([]float64, []float64, []float64) {
	upper := nanSeries(len(values))
	middle := seriesSMA(values, period)
	lower := nanSeries(len(values))
	if period <= 1 || len(values) < period {
		return upper, middle, lower
	}
	for i := period - 1; i < len(values); i++ {
		m := middle[i]
		var ss float64
		for _, v := range values[i-period+1 : i+1] {
			d := v - m
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(period))
		upper[i] = m + k*sd
		lower[i] = m - k*sd
	}
	return upper, middle, lower
}

// seriesATR is the rolling arithmetic mean of the true range
func seriesATR(high, low, close []float64, period int) []float64 {
	out := nanSeries(len(close))
	if period <= 0 || len(close) <= period {
		return out
	}
	tr := make([]float64, len(close))
	for i := 1; i < len(close); i++ {
		r := high[i] - low[i]
		if d := math.Abs(high[i] - close[i-1]); d > r {
			r = d
		}
		if d := math.Abs(low[i] - close[i-1]); d > r {
			r = d
		}
		tr[i] = r
	}
	sum := 0.0
	for i := 1; i < len(close); i++ {
		sum += tr[i]
		if i > period {
			sum -= tr[i-period]
		}
		if i >= period {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// seriesCross marks bars where a crosses above b (over=true) or below
func seriesCross(a, b []float64, over bool) []float64 {
	out := make([]float64, len(a))
	for i := 1; i < len(a); i++ {
		if math.IsNaN(a[i]) || math.IsNaN(b[i]) || math.IsNaN(a[i-1]) || math.IsNaN(b[i-1]) {
			continue
		}
		if over && a[i-1] <= b[i-1] && a[i] > b[i] {
			out[i] = 1
		}
		if !over && a[i-1] >= b[i-1] && a[i] < b[i] {
			out[i] = 1
		}
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
