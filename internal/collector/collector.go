// Package collector fans out to market-data, macro, news and event
// upstreams and fuses the results into one record per (market, symbol,
// timeframe). A failed leg never fails the whole collection; it is
// recorded in Meta.FailedItems and the record carries what arrived.
package collector

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantdesk/quantdesk/internal/indicators"
	"github.com/quantdesk/quantdesk/internal/macro"
	"github.com/quantdesk/quantdesk/internal/marketdata"
	"github.com/quantdesk/quantdesk/internal/metrics"
	"github.com/quantdesk/quantdesk/internal/symbols"
)

// Phase budgets within the overall collection timeout
const (
	defaultTimeout = 30 * time.Second
	phase1Timeout  = 15 * time.Second
	legTimeout     = 3 * time.Second
	macroTimeout   = 10 * time.Second
	newsTimeout    = 8 * time.Second

	klineLimit  = 100
	newsCap     = 15
	maxNewsDays = 7
)

// EventSearcher finds prediction-market events for keyword queries.
// Implemented by the Polymarket client; injected to keep this package
// free of the analyzer dependency.
type EventSearcher interface {
	SearchEvents(ctx context.Context, keywords []string) ([]Event, error)
}

// Event is a prediction-market event attached to a record
type Event struct {
	MarketID    string  `json:"market_id"`
	Question    string  `json:"question"`
	Probability float64 `json:"probability"`
	Volume24h   float64 `json:"volume_24h"`
	EndDate     string  `json:"end_date,omitempty"`
}

// NewsSource provides structured headlines
type NewsSource interface {
	CompanyNews(ctx context.Context, symbol string, days int) ([]marketdata.NewsItem, error)
	GeneralNews(ctx context.Context, category string) ([]marketdata.NewsItem, error)
}

// Fundamentals provides per-symbol fundamentals and profiles
type Fundamentals interface {
	Fundamentals(ctx context.Context, symbol string) (*marketdata.Fundamental, error)
	Profile(ctx context.Context, symbol string) (*marketdata.CompanyProfile, error)
}

// Meta partitions attempted legs into successes and failures
type Meta struct {
	SuccessItems []string `json:"success_items"`
	FailedItems  []string `json:"failed_items"`
	DurationMs   int64    `json:"duration_ms"`

	mu    sync.Mutex
	start time.Time
}

func (m *Meta) ok(item string) {
	m.mu.Lock()
	m.SuccessItems = append(m.SuccessItems, item)
	m.mu.Unlock()
	metrics.RecordCollectorLeg(item, nil)
}

func (m *Meta) fail(item string, err error) {
	m.mu.Lock()
	m.FailedItems = append(m.FailedItems, item)
	m.mu.Unlock()
	metrics.RecordCollectorLeg(item, err)
	log.Warn().Err(err).Str("item", item).Msg("Collector leg failed")
}

// Record is the fused market picture handed to the analysis engine
type Record struct {
	Market      marketdata.Market           `json:"market"`
	Symbol      string                      `json:"symbol"`
	Timeframe   string                      `json:"timeframe"`
	CollectedAt time.Time                   `json:"collected_at"`
	Price       *float64                    `json:"price"`
	Change24h   float64                     `json:"change_24h,omitempty"`
	Kline       []marketdata.Bar            `json:"kline,omitempty"`
	Indicators  *indicators.Snapshot        `json:"indicators,omitempty"`
	Fundamental *marketdata.Fundamental     `json:"fundamental,omitempty"`
	Company     *marketdata.CompanyProfile  `json:"company,omitempty"`
	Macro       *macro.Snapshot             `json:"macro,omitempty"`
	News        []marketdata.NewsItem       `json:"news,omitempty"`
	Polymarket  []Event                     `json:"polymarket,omitempty"`
	Meta        *Meta                       `json:"_meta"`
}

// Options controls which legs a collection attempts
type Options struct {
	Market            marketdata.Market
	Symbol            string
	Timeframe         string
	IncludeMacro      bool
	IncludeNews       bool
	IncludePolymarket bool
	Timeout           time.Duration
}

// Collector fuses the upstream sources
type Collector struct {
	data   *marketdata.Factory
	macro  *macro.Service
	news   NewsSource
	funda  Fundamentals
	events EventSearcher
}

// New creates a collector. news, funda and events may be nil; the
// corresponding legs are then skipped.
func New(data *marketdata.Factory, macroSvc *macro.Service, news NewsSource, funda Fundamentals, events EventSearcher) *Collector {
	return &Collector{data: data, macro: macroSvc, news: news, funda: funda, events: events}
}

// CollectAll runs the phased fan-out and returns the fused record. It
// only errors when the context itself dies; leg failures degrade.
func (c *Collector) CollectAll(ctx context.Context, opts Options) *Record {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	rec := &Record{
		Market:      opts.Market,
		Symbol:      opts.Symbol,
		Timeframe:   opts.Timeframe,
		CollectedAt: time.Now().UTC(),
		Meta:        &Meta{start: time.Now()},
	}

	c.phase1(ctx, opts, rec)

	// Phase 2: local indicator snapshot, no suspension
	if len(rec.Kline) > 0 {
		snap, err := indicators.Compute(rec.Kline)
		if err != nil {
			rec.Meta.fail("indicators", err)
		} else {
			rec.Indicators = snap
			rec.Meta.ok("indicators")
		}
	}

	if opts.IncludeMacro && c.macro != nil {
		c.phaseMacro(ctx, rec)
	}
	if opts.IncludeNews && c.news != nil {
		c.phaseNews(ctx, opts, rec)
	}
	if opts.IncludePolymarket && c.events != nil {
		c.phaseEvents(ctx, opts, rec)
	}

	c.resolvePrice(rec)

	rec.Meta.DurationMs = time.Since(rec.Meta.start).Milliseconds()
	log.Info().
		Str("symbol", opts.Symbol).
		Strs("failed", rec.Meta.FailedItems).
		Int64("duration_ms", rec.Meta.DurationMs).
		Msg("Collection complete")
	return rec
}

// phase1 is the 4-way price/kline/fundamentals/company fan-out
func (c *Collector) phase1(ctx context.Context, opts Options, rec *Record) {
	phaseCtx, cancel := context.WithTimeout(ctx, phase1Timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(phaseCtx)

	g.Go(func() error {
		legCtx, legCancel := context.WithTimeout(gctx, legTimeout)
		defer legCancel()
		tick, err := c.data.GetTicker(legCtx, opts.Market, opts.Symbol)
		if err != nil {
			rec.Meta.fail("price", err)
			return nil
		}
		rec.Price = &tick.Last
		rec.Change24h = tick.Change24h
		rec.Meta.ok("price")
		return nil
	})

	g.Go(func() error {
		legCtx, legCancel := context.WithTimeout(gctx, legTimeout)
		defer legCancel()
		bars, err := c.data.GetKline(legCtx, opts.Market, opts.Symbol, opts.Timeframe, klineLimit, 0)
		if err != nil {
			rec.Meta.fail("kline", err)
			return nil
		}
		rec.Kline = bars
		rec.Meta.ok("kline")
		return nil
	})

	if c.funda != nil && opts.Market == marketdata.MarketStock {
		g.Go(func() error {
			legCtx, legCancel := context.WithTimeout(gctx, legTimeout)
			defer legCancel()
			f, err := c.funda.Fundamentals(legCtx, opts.Symbol)
			if err != nil {
				rec.Meta.fail("fundamental", err)
				return nil
			}
			rec.Fundamental = f
			rec.Meta.ok("fundamental")
			return nil
		})
		g.Go(func() error {
			legCtx, legCancel := context.WithTimeout(gctx, legTimeout)
			defer legCancel()
			p, err := c.funda.Profile(legCtx, opts.Symbol)
			if err != nil {
				rec.Meta.fail("company", err)
				return nil
			}
			rec.Company = p
			rec.Meta.ok("company")
			return nil
		})
	}

	_ = g.Wait()
}

func (c *Collector) phaseMacro(ctx context.Context, rec *Record) {
	macroCtx, cancel := context.WithTimeout(ctx, macroTimeout)
	defer cancel()

	rec.Macro = c.macro.GetMarketSentiment(macroCtx)
	rec.Meta.ok("macro")
}

// phaseNews pulls symbol news plus global major events, dedupes by title
// and keeps the newest 15
func (c *Collector) phaseNews(ctx context.Context, opts Options, rec *Record) {
	newsCtx, cancel := context.WithTimeout(ctx, newsTimeout)
	defer cancel()

	var all []marketdata.NewsItem

	category := "general"
	if opts.Market == marketdata.MarketCrypto {
		category = "crypto"
	}

	if opts.Market == marketdata.MarketStock {
		items, err := c.news.CompanyNews(newsCtx, opts.Symbol, maxNewsDays)
		if err != nil {
			rec.Meta.fail("news", err)
		} else {
			all = append(all, items...)
		}
	}

	items, err := c.news.GeneralNews(newsCtx, category)
	if err != nil {
		if len(all) == 0 {
			rec.Meta.fail("news_global", err)
		}
	} else {
		all = append(all, filterGeopolitical(items)...)
	}

	if len(all) == 0 {
		return
	}

	rec.News = dedupeNews(all)
	rec.Meta.ok("news")
}

func (c *Collector) phaseEvents(ctx context.Context, opts Options, rec *Record) {
	events, err := c.events.SearchEvents(ctx, EventKeywords(opts.Symbol))
	if err != nil {
		rec.Meta.fail("polymarket", err)
		return
	}
	rec.Polymarket = events
	rec.Meta.ok("polymarket")
}

// resolvePrice applies the fallback ladder: ticker, indicator close,
// last kline bar. All failed means Price stays nil and the caller must
// reject the record.
func (c *Collector) resolvePrice(rec *Record) {
	if rec.Price != nil && *rec.Price > 0 {
		return
	}
	if rec.Indicators != nil && rec.Indicators.CurrentPrice > 0 {
		p := rec.Indicators.CurrentPrice
		rec.Price = &p
		return
	}
	if len(rec.Kline) > 0 {
		p := rec.Kline[len(rec.Kline)-1].Close
		if p > 0 {
			rec.Price = &p
		}
	}
}

// geopoliticalKeywords filters global headlines down to market-moving ones
var geopoliticalKeywords = []string{
	"war", "sanction", "fed", "rate", "inflation", "tariff", "opec",
	"election", "regulation", "sec", "etf", "default", "crisis", "treasury",
}

func filterGeopolitical(items []marketdata.NewsItem) []marketdata.NewsItem {
	var kept []marketdata.NewsItem
	for _, item := range items {
		title := strings.ToLower(item.Title)
		for _, kw := range geopoliticalKeywords {
			if strings.Contains(title, kw) {
				kept = append(kept, item)
				break
			}
		}
	}
	return kept
}

func dedupeNews(items []marketdata.NewsItem) []marketdata.NewsItem {
	seen := make(map[string]bool, len(items))
	var out []marketdata.NewsItem
	for _, item := range items {
		key := strings.ToLower(strings.TrimSpace(item.Title))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}

	// newest first
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].PublishedAt.After(out[i].PublishedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	if len(out) > newsCap {
		out = out[:newsCap]
	}
	return out
}

// coinNames maps top crypto tickers to full names for event search
var coinNames = map[string]string{
	"BTC": "Bitcoin", "ETH": "Ethereum", "SOL": "Solana", "XRP": "Ripple",
	"DOGE": "Dogecoin", "ADA": "Cardano", "BNB": "Binance Coin",
	"LINK": "Chainlink", "AVAX": "Avalanche", "DOT": "Polkadot",
}

// EventKeywords derives the prediction-market search terms for a symbol
func EventKeywords(symbol string) []string {
	base := symbols.Base(symbol)
	if base == "" {
		base = strings.ToUpper(strings.TrimSpace(symbol))
	}
	keywords := []string{base}
	if name, ok := coinNames[base]; ok {
		keywords = append(keywords, name, name+" price")
	}
	return keywords
}
