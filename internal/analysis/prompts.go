package analysis

import (
	"fmt"
	"strings"

	"github.com/quantdesk/quantdesk/internal/collector"
)

const maxPromptNews = 5

// buildSystemPrompt declares the analyst role, the output language, the
// precomputed levels and corridors, and the exact JSON schema expected back
func buildSystemPrompt(req Request, rec *collector.Record) string {
	current := *rec.Price
	language := supportedLanguages[req.Language]

	var b strings.Builder
	fmt.Fprintf(&b, "You are a professional %s market analyst. ", req.Market)
	fmt.Fprintf(&b, "Respond in %s. ", language)
	b.WriteString("Base your view only on the data provided. Be decisive but honest about uncertainty.\n\n")

	fmt.Fprintf(&b, "Current price: %.8g\n", current)
	if snap := rec.Indicators; snap != nil {
		fmt.Fprintf(&b, "Precomputed levels: support %.8g, resistance %.8g, ATR %.8g\n",
			snap.Support, snap.Resistance, snap.ATR)
		fmt.Fprintf(&b, "Suggested stop loss %.8g, take profit %.8g, risk/reward %.2f\n",
			snap.TradingLevels.SuggestedStopLoss,
			snap.TradingLevels.SuggestedTakeProfit,
			snap.TradingLevels.RiskRewardRatio)
	}
	fmt.Fprintf(&b, "All prices you output MUST lie within [%.8g, %.8g].\n", current*0.90, current*1.10)
	fmt.Fprintf(&b, "Entry price SHOULD lie within [%.8g, %.8g].\n", current*0.98, current*1.02)

	b.WriteString(`
Return ONLY a JSON object with exactly this schema:
{
  "decision": "BUY" | "SELL" | "HOLD",
  "confidence": 0-100,
  "summary": "one paragraph",
  "analysis": {"technical": "...", "fundamental": "...", "sentiment": "..."},
  "entry_price": number,
  "stop_loss": number,
  "take_profit": number,
  "position_size_pct": 1-100,
  "timeframe": "short" | "medium" | "long",
  "key_reasons": ["..."],
  "risks": ["..."],
  "scores": {"technical": 0-100, "fundamental": 0-100, "sentiment": 0-100}
}`)
	return b.String()
}

// buildUserPrompt carries the concrete readings: indicators, macro
// captions, up to five headlines, and fundamentals
func buildUserPrompt(req Request, rec *collector.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze %s (%s) on the %s timeframe.\n\n", req.Symbol, req.Market, req.Timeframe)
	fmt.Fprintf(&b, "Current price: %.8g (24h change %+.2f%%)\n\n", *rec.Price, rec.Change24h)

	if snap := rec.Indicators; snap != nil {
		fmt.Fprintf(&b, "Technical indicators:\n")
		fmt.Fprintf(&b, "- RSI(14): %.1f\n", snap.RSI)
		fmt.Fprintf(&b, "- MACD: %.6g, signal %.6g, histogram %.6g, crossover %s\n",
			snap.MACD.MACD, snap.MACD.Signal, snap.MACD.Histogram, snap.MACD.Crossover)
		fmt.Fprintf(&b, "- MA5 %.8g / MA10 %.8g / MA20 %.8g, trend: %s\n",
			snap.MovingAverages.MA5, snap.MovingAverages.MA10, snap.MovingAverages.MA20, snap.Trend)
		if snap.Bollinger != nil {
			fmt.Fprintf(&b, "- Bollinger: upper %.8g, middle %.8g, lower %.8g (width %.2f%%)\n",
				snap.Bollinger.Upper, snap.Bollinger.Middle, snap.Bollinger.Lower, snap.Bollinger.Width)
		}
		fmt.Fprintf(&b, "- Volatility: %s (%.2f%%), price position %.0f%%\n\n",
			snap.Volatility.Level, snap.Volatility.Pct, snap.PricePosition)
	}

	if rec.Macro != nil {
		fmt.Fprintf(&b, "Macro environment: %s\n\n", rec.Macro.Summary())
	}

	if len(rec.News) > 0 {
		b.WriteString("Recent headlines:\n")
		for i, item := range rec.News {
			if i >= maxPromptNews {
				break
			}
			fmt.Fprintf(&b, "- %s (%s)\n", item.Title, item.Source)
		}
		b.WriteString("\n")
	}

	if rec.Fundamental != nil {
		f := rec.Fundamental
		fmt.Fprintf(&b, "Fundamentals: market cap %.4g, P/E %.2f, EPS %.2f, dividend yield %.2f%%, 52w range [%.8g, %.8g]\n",
			f.MarketCap, f.PERatio, f.EPS, f.DividendYield, f.Week52Low, f.Week52High)
	}
	if rec.Company != nil {
		fmt.Fprintf(&b, "Company: %s (%s, %s)\n", rec.Company.Name, rec.Company.Industry, rec.Company.Country)
	}

	if len(rec.Polymarket) > 0 {
		b.WriteString("Prediction-market signals:\n")
		for _, ev := range rec.Polymarket {
			fmt.Fprintf(&b, "- %s: %.0f%% implied\n", ev.Question, ev.Probability)
		}
	}

	return b.String()
}
