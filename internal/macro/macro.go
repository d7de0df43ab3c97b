// Package macro aggregates macro-market indicators: volatility indices,
// the dollar index, treasury yields and crypto sentiment. Every fetch
// degrades to a typed default so a macro outage never fails an analysis.
package macro

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantdesk/quantdesk/internal/marketdata"
)

// Yahoo index symbols for the tracked metrics
const (
	symbolVIX   = "^VIX"
	symbolVIX3M = "^VIX3M"
	symbolVXN   = "^VXN"
	symbolGVZ   = "^GVZ"
	symbolDXY   = "DX-Y.NYB"
	symbolTNX   = "^TNX"
)

// Metric is a single macro reading with a qualitative caption
type Metric struct {
	Value          float64 `json:"value"`
	ChangePct      float64 `json:"change_pct,omitempty"`
	Interpretation string  `json:"interpretation"`
	Synthetic      bool    `json:"synthetic,omitempty"`
	Default        bool    `json:"default,omitempty"`
}

// Snapshot is the composite macro picture shared by all analyses
type Snapshot struct {
	VIX             Metric    `json:"vix"`
	VXN             Metric    `json:"vxn"`
	GVZ             Metric    `json:"gvz"`
	DXY             Metric    `json:"dxy"`
	TenYearYield    Metric    `json:"ten_year_yield"`
	YieldCurve      Metric    `json:"yield_curve"`
	TermStructure   Metric    `json:"term_structure_proxy"`
	FearGreed       Metric    `json:"fear_greed"`
	FearGreedLabel  string    `json:"fear_greed_label"`
	CollectedAt     time.Time `json:"collected_at"`
}

// Service fetches macro indicators through a quote source and a crypto
// sentiment provider, behind an optional shared composite cache.
type Service struct {
	quotes    marketdata.Source
	fearGreed *FearGreedClient
	cache     *SentimentCache
}

// NewService creates a macro aggregator. cache may be nil.
func NewService(quotes marketdata.Source, fearGreed *FearGreedClient, cache *SentimentCache) *Service {
	return &Service{quotes: quotes, fearGreed: fearGreed, cache: cache}
}

// GetMarketSentiment returns the composite snapshot, served from the
// shared cache when a fresh entry exists. It never returns an error:
// unreachable providers yield flagged defaults.
func (s *Service) GetMarketSentiment(ctx context.Context) *Snapshot {
	if snap, ok := s.cache.Get(ctx); ok {
		return snap
	}

	snap := s.fetchAll(ctx)

	if err := s.cache.Set(ctx, snap); err != nil {
		log.Debug().Err(err).Msg("Macro sentiment cache write failed")
	}
	return snap
}

// fetchAll runs the provider fan-out. Each leg writes its own field, so
// no lock is needed beyond the errgroup join.
func (s *Service) fetchAll(ctx context.Context) *Snapshot {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		snap.VIX = s.fetchIndex(gctx, symbolVIX, defaultVIX, captionVIX)
		snap.TermStructure = s.fetchTermStructure(gctx, snap.VIX)
		return nil
	})
	g.Go(func() error {
		snap.DXY = s.fetchIndex(gctx, symbolDXY, defaultDXY, captionDXY)
		return nil
	})
	g.Go(func() error {
		snap.TenYearYield = s.fetchIndex(gctx, symbolTNX, defaultTNX, captionYield)
		snap.YieldCurve = yieldCurveFromTenYear(snap.TenYearYield)
		return nil
	})
	g.Go(func() error {
		value, label, err := s.fearGreed.Latest(gctx)
		if err != nil {
			log.Warn().Err(err).Msg("Fear & Greed fetch failed, using default")
			snap.FearGreed = Metric{Value: 50, Interpretation: captionFearGreed(50), Default: true}
			snap.FearGreedLabel = "Neutral"
			return nil
		}
		snap.FearGreed = Metric{Value: value, Interpretation: captionFearGreed(value)}
		snap.FearGreedLabel = label
		return nil
	})
	g.Go(func() error {
		snap.VXN = s.fetchIndex(gctx, symbolVXN, defaultVXN, captionVXN)
		return nil
	})
	g.Go(func() error {
		snap.GVZ = s.fetchIndex(gctx, symbolGVZ, defaultGVZ, captionGVZ)
		return nil
	})

	_ = g.Wait()
	return snap
}

func (s *Service) fetchIndex(ctx context.Context, symbol string, def float64, caption func(float64) string) Metric {
	tick, err := s.quotes.GetTicker(ctx, symbol)
	if err != nil || tick.Last <= 0 {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Macro index fetch failed, using default")
		return Metric{Value: def, Interpretation: caption(def), Default: true}
	}
	return Metric{
		Value:          tick.Last,
		ChangePct:      tick.Change24h,
		Interpretation: caption(tick.Last),
	}
}

// fetchTermStructure approximates the volatility term structure as the
// VIX / VIX3M ratio. This is a proxy, not an options-flow metric.
func (s *Service) fetchTermStructure(ctx context.Context, vix Metric) Metric {
	tick, err := s.quotes.GetTicker(ctx, symbolVIX3M)
	if err != nil || tick.Last <= 0 {
		return Metric{Value: 1.0, Interpretation: "term structure unavailable", Synthetic: true, Default: true}
	}
	ratio := vix.Value / tick.Last
	caption := "contango, calm regime"
	if ratio > 1 {
		caption = "backwardation, near-term stress priced in"
	}
	return Metric{Value: ratio, Interpretation: caption, Synthetic: true}
}

// yieldCurveFromTenYear derives a synthetic 2s10s spread. No genuine
// 2-year feed is wired, so the short leg is scaled from the 10-year and
// the result is flagged Synthetic for every consumer.
func yieldCurveFromTenYear(tenYear Metric) Metric {
	twoYear := tenYear.Value * 0.85
	spread := tenYear.Value - twoYear
	caption := "normal curve"
	if spread < 0 {
		caption = "inverted curve, recession signal"
	}
	return Metric{
		Value:          spread,
		Interpretation: caption,
		Synthetic:      true,
		Default:        tenYear.Default,
	}
}

// Summary renders the snapshot as prompt-ready caption lines
func (s *Snapshot) Summary() string {
	return fmt.Sprintf(
		"VIX %.1f (%s); DXY %.1f (%s); 10Y %.2f%% (%s); yield curve %.2f (%s, synthetic); Fear&Greed %.0f (%s)",
		s.VIX.Value, s.VIX.Interpretation,
		s.DXY.Value, s.DXY.Interpretation,
		s.TenYearYield.Value, s.TenYearYield.Interpretation,
		s.YieldCurve.Value, s.YieldCurve.Interpretation,
		s.FearGreed.Value, s.FearGreed.Interpretation,
	)
}

// Typed defaults used when a provider is unreachable
const (
	defaultVIX = 20.0
	defaultVXN = 22.0
	defaultGVZ = 18.0
	defaultDXY = 100.0
	defaultTNX = 4.0
)

func captionVIX(v float64) string {
	switch {
	case v > 30:
		return "VIX > 30 = panic, risk-off"
	case v > 20:
		return "elevated volatility, caution"
	default:
		return "calm volatility regime"
	}
}

func captionVXN(v float64) string {
	if v > 30 {
		return "tech volatility stressed"
	}
	return "tech volatility normal"
}

func captionGVZ(v float64) string {
	if v > 25 {
		return "gold volatility elevated, flight to safety"
	}
	return "gold volatility normal"
}

func captionDXY(v float64) string {
	switch {
	case v > 105:
		return "strong USD, bearish crypto"
	case v < 95:
		return "weak USD, bullish crypto"
	default:
		return "neutral USD"
	}
}

func captionYield(v float64) string {
	if v > 4.5 {
		return "high yields pressure risk assets"
	}
	return "yields supportive"
}

func captionFearGreed(v float64) string {
	switch {
	case v >= 75:
		return "extreme greed, contrarian caution"
	case v >= 55:
		return "greed"
	case v > 45:
		return "neutral sentiment"
	case v > 25:
		return "fear"
	default:
		return "extreme fear, contrarian opportunity"
	}
}
