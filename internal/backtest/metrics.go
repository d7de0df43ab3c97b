package backtest

import (
	"math"
	"time"
)

// Metrics are the aggregated run statistics. Percent fields are in
// percent units, not fractions.
type Metrics struct {
	TotalReturn   float64 `json:"total_return"`
	AnnualReturn  float64 `json:"annual_return"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
	WinRate       float64 `json:"win_rate"`
	ProfitFactor  float64 `json:"profit_factor"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
}

// periodsPerYear drives Sharpe annualization per execution timeframe
var periodsPerYear = map[string]float64{
	"1m": 525600, "3m": 175200, "5m": 105120, "15m": 35040, "30m": 17520,
	"1h": 8760, "2h": 4380, "4h": 2190, "6h": 1460, "12h": 730,
	"1d": 365, "1w": 52,
}

// computeMetrics aggregates a simulation result. NaN and Inf values
// are scrubbed to 0 before emission.
func computeMetrics(sim *SimResult, initialCapital float64, timeframe string, start, end time.Time) Metrics {
	m := Metrics{TotalTrades: len(sim.Trades)}

	if initialCapital > 0 {
		m.TotalReturn = (sim.FinalCapital - initialCapital) / initialCapital * 100
	}
	if years := end.Sub(start).Hours() / (24 * 365); years > 0 {
		m.AnnualReturn = m.TotalReturn / years
	}
	m.MaxDrawdown = maxDrawdown(sim.EquityCurve)
	m.SharpeRatio = sharpe(sim.EquityCurve, timeframe)

	var grossProfit, grossLoss float64
	for _, tr := range sim.Trades {
		switch {
		case tr.PnL > 0:
			m.WinningTrades++
			grossProfit += tr.PnL
		case tr.PnL < 0:
			m.LosingTrades++
			grossLoss += -tr.PnL
		}
	}
	// Win rate counts only trades with non-zero PnL
	if decided := m.WinningTrades + m.LosingTrades; decided > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(decided) * 100
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		m.ProfitFactor = grossProfit
	}

	m.scrub()
	return m
}

// maxDrawdown is the largest peak-to-trough equity decline in percent
func maxDrawdown(curve []EquityPoint) float64 {
	var peak, worst float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak * 100
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpe annualizes the per-bar return ratio with the timeframe factor
func sharpe(curve []EquityPoint, timeframe string) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(returns)-1))
	if sd == 0 {
		return 0
	}

	factor, ok := periodsPerYear[timeframe]
	if !ok {
		factor = 365
	}
	return mean / sd * math.Sqrt(factor)
}

func (m *Metrics) scrub() {
	for _, f := range []*float64{
		&m.TotalReturn, &m.AnnualReturn, &m.MaxDrawdown,
		&m.SharpeRatio, &m.WinRate, &m.ProfitFactor,
	} {
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			*f = 0
		}
	}
}
