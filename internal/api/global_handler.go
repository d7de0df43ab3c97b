package api

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantdesk/quantdesk/internal/marketdata"
)

// Symbols composing the global-market views. Quotes that fail are
// dropped rather than failing the composite.
var (
	majorCrypto = []string{"BTC/USDT", "ETH/USDT", "BNB/USDT", "SOL/USDT", "XRP/USDT"}

	heatmapCrypto = []string{
		"BTC/USDT", "ETH/USDT", "BNB/USDT", "SOL/USDT", "XRP/USDT",
		"ADA/USDT", "DOGE/USDT", "AVAX/USDT", "LINK/USDT", "DOT/USDT",
		"LTC/USDT", "UNI/USDT",
	}

	majorIndices = []string{"SPY", "QQQ", "DIA"}
)

const quoteConcurrency = 4

// quoteEntry is one symbol's snapshot inside a composite view
type quoteEntry struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change_24h"`
}

// quoteMany fetches tickers concurrently, keeping input order and
// dropping failed symbols
func (s *Server) quoteMany(ctx context.Context, market marketdata.Market, symbols []string) []quoteEntry {
	results := make([]*quoteEntry, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(quoteConcurrency)
	for i, symbol := range symbols {
		g.Go(func() error {
			ticker, err := s.quotes.GetTicker(gctx, market, symbol)
			if err != nil {
				log.Debug().Err(err).Str("symbol", symbol).Msg("Quote fetch failed")
				return nil
			}
			results[i] = &quoteEntry{
				Symbol:    symbol,
				Price:     ticker.Last,
				Change24h: ticker.Change24h,
			}
			return nil
		})
	}
	_ = g.Wait()

	entries := make([]quoteEntry, 0, len(results))
	for _, r := range results {
		if r != nil {
			entries = append(entries, *r)
		}
	}
	return entries
}

func (s *Server) handleOverview(c *gin.Context) {
	if s.quotes == nil {
		fail(c, "quote source not configured")
		return
	}

	ctx := c.Request.Context()
	payload := gin.H{
		"crypto":  s.quoteMany(ctx, marketdata.MarketCrypto, majorCrypto),
		"indices": s.quoteMany(ctx, marketdata.MarketStock, majorIndices),
		"as_of":   time.Now().UTC(),
	}
	if s.macro != nil {
		payload["macro"] = s.macro.GetMarketSentiment(ctx)
	}
	ok(c, payload)
}

func (s *Server) handleHeatmap(c *gin.Context) {
	if s.quotes == nil {
		fail(c, "quote source not configured")
		return
	}

	entries := s.quoteMany(c.Request.Context(), marketdata.MarketCrypto, heatmapCrypto)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Change24h > entries[j].Change24h
	})
	ok(c, gin.H{"entries": entries, "as_of": time.Now().UTC()})
}

func (s *Server) handleGlobalNews(c *gin.Context) {
	if s.news == nil {
		fail(c, "news source not configured")
		return
	}

	ctx := c.Request.Context()
	categories := []string{"general", "crypto"}
	if category := c.Query("category"); category != "" {
		categories = []string{category}
	}

	var items []marketdata.NewsItem
	for _, category := range categories {
		batch, err := s.news.GeneralNews(ctx, category)
		if err != nil {
			log.Warn().Err(err).Str("category", category).Msg("News fetch failed")
			continue
		}
		items = append(items, batch...)
	}
	if len(items) == 0 {
		fail(c, "no news available")
		return
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.After(items[j].PublishedAt)
	})
	if limit := queryInt(c, "limit", 20); len(items) > limit {
		items = items[:limit]
	}
	ok(c, gin.H{"news": items, "total": len(items)})
}

func (s *Server) handleCalendar(c *gin.Context) {
	if s.calendar == nil {
		fail(c, "calendar source not configured")
		return
	}

	now := time.Now().UTC()
	from := queryDate(c, "from", now)
	to := queryDate(c, "to", now.AddDate(0, 0, 7))
	if to.Before(from) {
		fail(c, "to must not precede from")
		return
	}

	events, err := s.calendar.EconomicCalendar(c.Request.Context(), from, to)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, gin.H{"events": events, "from": from, "to": to})
}

func (s *Server) handleSentiment(c *gin.Context) {
	if s.macro == nil {
		fail(c, "macro source not configured")
		return
	}
	ok(c, s.macro.GetMarketSentiment(c.Request.Context()))
}

// handleOpportunities combines the largest crypto movers with the top
// prediction-market divergences
func (s *Server) handleOpportunities(c *gin.Context) {
	if s.quotes == nil {
		fail(c, "quote source not configured")
		return
	}

	ctx := c.Request.Context()
	movers := s.quoteMany(ctx, marketdata.MarketCrypto, heatmapCrypto)
	sort.SliceStable(movers, func(i, j int) bool {
		return math.Abs(movers[i].Change24h) > math.Abs(movers[j].Change24h)
	})
	if len(movers) > 5 {
		movers = movers[:5]
	}

	payload := gin.H{"movers": movers, "as_of": time.Now().UTC()}

	if s.polymarket != nil && s.analyzer != nil {
		if markets, err := s.polymarket.ListMarkets(ctx, 50); err == nil {
			if opportunities, err := s.analyzer.BatchAnalyzeMarkets(ctx, markets, 5); err == nil {
				payload["prediction_markets"] = opportunities
			} else {
				log.Warn().Err(err).Msg("Prediction-market scan failed")
			}
		} else {
			log.Warn().Err(err).Msg("Polymarket listing failed")
		}
	}

	ok(c, payload)
}

// queryDate parses a YYYY-MM-DD query parameter with a fallback
func queryDate(c *gin.Context, name string, def time.Time) time.Time {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	ts, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return def
	}
	return ts
}
