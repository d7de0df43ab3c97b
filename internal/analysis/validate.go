package analysis

import (
	"math"
	"strings"
)

// validateReply enforces the post-LLM bounds on a raw reply and converts
// it into result fields. current must be > 0.
func validateReply(reply *llmReply, current float64) (string, int, TradingPlan, Scores) {
	decision := normalizeDecision(reply.Decision)
	confidence := clampScore(reply.Confidence)

	plan := TradingPlan{
		EntryPrice: reply.EntryPrice,
		StopLoss:   reply.StopLoss,
		TakeProfit: reply.TakeProfit,
		Timeframe:  normalizePlanTimeframe(reply.Timeframe),
	}

	// Prices outside the +-10% corridor are replaced by conservative
	// defaults anchored on the current price.
	if outsideCorridor(plan.EntryPrice, current) {
		plan.EntryPrice = current
	}
	if outsideCorridor(plan.StopLoss, current) {
		plan.StopLoss = current * 0.95
	}
	if outsideCorridor(plan.TakeProfit, current) {
		plan.TakeProfit = current * 1.05
	}

	// stop_loss <= current <= take_profit, by reassignment on violation
	if plan.StopLoss > current {
		plan.StopLoss = current * 0.95
	}
	if plan.TakeProfit < current {
		plan.TakeProfit = current * 1.05
	}

	plan.PositionSizePct = int(math.Round(reply.PositionSizePct))
	if plan.PositionSizePct < 1 {
		plan.PositionSizePct = 1
	}
	if plan.PositionSizePct > 100 {
		plan.PositionSizePct = 100
	}

	scores := Scores{
		Technical:   clampScore(reply.Scores.Technical),
		Fundamental: clampScore(reply.Scores.Fundamental),
		Sentiment:   clampScore(reply.Scores.Sentiment),
	}
	scores.Overall = overallScore(decision, confidence, scores)

	return decision, confidence, plan, scores
}

// overallScore blends the pillar scores with a decision-signed
// confidence term:
// round(0.6*(0.40t + 0.35f + 0.25s) + 0.4*(50 +- 0.5*confidence))
func overallScore(decision string, confidence int, s Scores) int {
	pillars := 0.40*float64(s.Technical) + 0.35*float64(s.Fundamental) + 0.25*float64(s.Sentiment)

	bias := 0.0
	switch decision {
	case DecisionBuy:
		bias = 0.5 * float64(confidence)
	case DecisionSell:
		bias = -0.5 * float64(confidence)
	}

	overall := int(math.Round(0.6*pillars + 0.4*(50+bias)))
	if overall < 0 {
		overall = 0
	}
	if overall > 100 {
		overall = 100
	}
	return overall
}

func normalizeDecision(d string) string {
	switch strings.ToUpper(strings.TrimSpace(d)) {
	case DecisionBuy:
		return DecisionBuy
	case DecisionSell:
		return DecisionSell
	default:
		return DecisionHold
	}
}

func normalizePlanTimeframe(tf string) string {
	switch tf {
	case "short", "medium", "long":
		return tf
	default:
		return "medium"
	}
}

func outsideCorridor(price, current float64) bool {
	return price < current*0.90 || price > current*1.10
}

func clampScore(v float64) int {
	n := int(math.Round(v))
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
