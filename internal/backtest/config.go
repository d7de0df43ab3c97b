// Package backtest simulates a strategy over historical candles with
// risk-priority exit resolution, margin-defined liquidation, scaling
// ladders and optional multi-timeframe execution refinement.
package backtest

import "fmt"

// Signal timings
const (
	TimingBarClose    = "bar_close"
	TimingNextBarOpen = "next_bar_open"
)

// Trade directions
const (
	DirectionLong  = "long"
	DirectionShort = "short"
	DirectionBoth  = "both"
)

// ScaleRule is one scaling ladder. StepPct is a margin-PnL percent per
// rung, SizePct a percent of capital (adds) or of the open position
// (reduces).
type ScaleRule struct {
	Enabled  bool    `json:"enabled"`
	StepPct  float64 `json:"stepPct"`
	SizePct  float64 `json:"sizePct"`
	MaxTimes int     `json:"maxTimes"`
}

// TrailingConfig enables a trailing stop once ActivationPct margin
// profit is reached. While enabled the fixed take-profit is off.
type TrailingConfig struct {
	Enabled       bool    `json:"enabled"`
	Pct           float64 `json:"pct"`
	ActivationPct float64 `json:"activationPct"`
}

// StrategyConfig is the caller-supplied strategy parameterization. All
// percent thresholds are margin-PnL percents and are divided by
// leverage to obtain price thresholds.
type StrategyConfig struct {
	Execution struct {
		SignalTiming string `json:"signalTiming"`
	} `json:"execution"`
	Position struct {
		EntryPct float64 `json:"entryPct"`
	} `json:"position"`
	Risk struct {
		StopLossPct   float64        `json:"stopLossPct"`
		TakeProfitPct float64        `json:"takeProfitPct"`
		Trailing      TrailingConfig `json:"trailing"`
	} `json:"risk"`
	Scale struct {
		TrendAdd      ScaleRule `json:"trendAdd"`
		DcaAdd        ScaleRule `json:"dcaAdd"`
		TrendReduce   ScaleRule `json:"trendReduce"`
		AdverseReduce ScaleRule `json:"adverseReduce"`
	} `json:"scale"`
}

// Normalize fills defaults and validates cross-field constraints.
// EntryPct accepts either a 0..1 fraction or a 0..100 percent.
func (c *StrategyConfig) Normalize() error {
	switch c.Execution.SignalTiming {
	case "":
		c.Execution.SignalTiming = TimingNextBarOpen
	case TimingBarClose, TimingNextBarOpen:
	default:
		return fmt.Errorf("invalid signal timing: %q", c.Execution.SignalTiming)
	}

	if c.Position.EntryPct <= 0 {
		c.Position.EntryPct = 1
	} else if c.Position.EntryPct > 1 {
		c.Position.EntryPct = c.Position.EntryPct / 100
	}
	if c.Position.EntryPct > 1 {
		return fmt.Errorf("entryPct out of range: %v", c.Position.EntryPct)
	}

	if c.Risk.StopLossPct < 0 || c.Risk.TakeProfitPct < 0 {
		return fmt.Errorf("risk percents must be non-negative")
	}
	if c.Risk.Trailing.Enabled {
		if c.Risk.Trailing.Pct <= 0 {
			return fmt.Errorf("trailing enabled without a trailing percent")
		}
		if c.Risk.Trailing.ActivationPct <= 0 {
			c.Risk.Trailing.ActivationPct = c.Risk.TakeProfitPct
		}
	}

	if c.Scale.TrendAdd.Enabled && c.Scale.DcaAdd.Enabled {
		return fmt.Errorf("trendAdd and dcaAdd are mutually exclusive")
	}
	for _, rule := range []*ScaleRule{&c.Scale.TrendAdd, &c.Scale.DcaAdd, &c.Scale.TrendReduce, &c.Scale.AdverseReduce} {
		if !rule.Enabled {
			continue
		}
		if rule.StepPct <= 0 || rule.SizePct <= 0 || rule.MaxTimes <= 0 {
			return fmt.Errorf("enabled scale rule needs positive stepPct, sizePct and maxTimes")
		}
		// SizePct accepts a 0..1 fraction or a 0..100 percent
		if rule.SizePct > 1 {
			rule.SizePct = rule.SizePct / 100
		}
		if rule.SizePct > 1 {
			return fmt.Errorf("scale sizePct out of range: %v", rule.SizePct)
		}
	}
	return nil
}

// priceFraction converts a margin-PnL percent into a price move
// fraction under the given leverage
func priceFraction(pct float64, leverage int) float64 {
	if leverage < 1 {
		leverage = 1
	}
	return pct / 100 / float64(leverage)
}
