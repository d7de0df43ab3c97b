package backtest

import (
	"sort"
	"time"

	"github.com/quantdesk/quantdesk/internal/marketdata"
)

// SelectExecTimeframe picks a finer execution timeframe for a range.
// Only crypto has dense enough history: up to 15 days refines to 1m,
// up to a year to 5m. Empty means standard single-timeframe.
func SelectExecTimeframe(market marketdata.Market, start, end time.Time) string {
	if market != marketdata.MarketCrypto {
		return ""
	}
	days := end.Sub(start).Hours() / 24
	switch {
	case days <= 0:
		return ""
	case days <= 15:
		return "1m"
	case days <= 365:
		return "5m"
	}
	return ""
}

// projectSignals maps strategy-bar signals onto the execution series.
// A signal from a closed strategy bar lands on the execution bar just
// before the first one opening at or after the strategy bar's end, so
// next-bar-open execution fills exactly at that open. Signals are
// one-shot: each strategy bar marks at most one execution bar.
func projectSignals(sig *Signals, strategyBars []marketdata.Bar, tfSecs int64, execBars []marketdata.Bar) *Signals {
	n := len(execBars)
	out := &Signals{
		OpenLong:   make([]bool, n),
		CloseLong:  make([]bool, n),
		OpenShort:  make([]bool, n),
		CloseShort: make([]bool, n),
	}

	for i := range strategyBars {
		if !sig.OpenLong[i] && !sig.CloseLong[i] && !sig.OpenShort[i] && !sig.CloseShort[i] {
			continue
		}
		barEnd := strategyBars[i].Time + tfSecs
		j := sort.Search(n, func(k int) bool { return execBars[k].Time >= barEnd })
		if j == 0 || j > n-1 {
			continue
		}
		target := j - 1
		out.OpenLong[target] = out.OpenLong[target] || sig.OpenLong[i]
		out.CloseLong[target] = out.CloseLong[target] || sig.CloseLong[i]
		out.OpenShort[target] = out.OpenShort[target] || sig.OpenShort[i]
		out.CloseShort[target] = out.CloseShort[target] || sig.CloseShort[i]
	}
	return out
}
