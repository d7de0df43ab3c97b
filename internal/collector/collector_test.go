package collector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/quantdesk/internal/marketdata"
)

type stubSource struct {
	bars          []marketdata.Bar
	barsErr       error
	ticker        *marketdata.Ticker
	tickerErr     error
	klineDeadline time.Time
}

func (s *stubSource) GetKline(ctx context.Context, symbol, timeframe string, limit int, before int64) ([]marketdata.Bar, error) {
	s.klineDeadline, _ = ctx.Deadline()
	return s.bars, s.barsErr
}

func (s *stubSource) GetTicker(ctx context.Context, symbol string) (*marketdata.Ticker, error) {
	return s.ticker, s.tickerErr
}

type stubNews struct {
	general []marketdata.NewsItem
	company []marketdata.NewsItem
	err     error
}

func (s *stubNews) CompanyNews(ctx context.Context, symbol string, days int) ([]marketdata.NewsItem, error) {
	return s.company, s.err
}

func (s *stubNews) GeneralNews(ctx context.Context, category string) ([]marketdata.NewsItem, error) {
	return s.general, s.err
}

type stubEvents struct {
	events   []Event
	err      error
	keywords []string
}

func (s *stubEvents) SearchEvents(ctx context.Context, keywords []string) ([]Event, error) {
	s.keywords = keywords
	return s.events, s.err
}

func risingBars(n int) []marketdata.Bar {
	bars := make([]marketdata.Bar, n)
	price := 100.0
	for i := range bars {
		bars[i] = marketdata.Bar{
			Time: int64(i * 3600), Open: price, High: price + 2, Low: price - 1,
			Close: price + 1, Volume: 10,
		}
		price++
	}
	return bars
}

func TestCollectAllHappyPath(t *testing.T) {
	src := &stubSource{
		bars:   risingBars(60),
		ticker: &marketdata.Ticker{Symbol: "BTC/USDT", Last: 161, Change24h: 1.5},
	}
	events := &stubEvents{events: []Event{{MarketID: "m1", Question: "BTC above 100k?", Probability: 40}}}
	c := New(marketdata.NewFactory(src, src), nil, nil, nil, events)

	rec := c.CollectAll(context.Background(), Options{
		Market: marketdata.MarketCrypto, Symbol: "BTC/USDT", Timeframe: "1h",
		IncludePolymarket: true,
	})

	require.NotNil(t, rec.Price)
	assert.InDelta(t, 161.0, *rec.Price, 1e-9)
	assert.Len(t, rec.Kline, 60)
	require.NotNil(t, rec.Indicators)
	assert.Equal(t, "strong_uptrend", rec.Indicators.Trend)
	assert.Len(t, rec.Polymarket, 1)
	assert.Contains(t, events.keywords, "BTC")
	assert.Contains(t, events.keywords, "Bitcoin")

	assert.Contains(t, rec.Meta.SuccessItems, "price")
	assert.Contains(t, rec.Meta.SuccessItems, "kline")
	assert.Contains(t, rec.Meta.SuccessItems, "indicators")
	assert.Empty(t, rec.Meta.FailedItems)
}

func TestKlineLegRunsUnderPerLegBudget(t *testing.T) {
	src := &stubSource{
		bars:   risingBars(60),
		ticker: &marketdata.Ticker{Symbol: "BTC/USDT", Last: 161},
	}
	c := New(marketdata.NewFactory(src, src), nil, nil, nil, nil)

	start := time.Now()
	c.CollectAll(context.Background(), Options{
		Market: marketdata.MarketCrypto, Symbol: "BTC/USDT", Timeframe: "1h",
	})

	require.False(t, src.klineDeadline.IsZero())
	assert.LessOrEqual(t, src.klineDeadline.Sub(start), legTimeout+time.Second,
		"one slow venue must not get the whole phase budget")
}

func TestCollectAllPriceFallbackToKline(t *testing.T) {
	src := &stubSource{
		bars:      risingBars(60),
		tickerErr: fmt.Errorf("venue down"),
	}
	c := New(marketdata.NewFactory(src, src), nil, nil, nil, nil)

	rec := c.CollectAll(context.Background(), Options{
		Market: marketdata.MarketCrypto, Symbol: "BTC/USDT", Timeframe: "1h",
	})

	require.NotNil(t, rec.Price, "price must fall back to indicator close")
	assert.InDelta(t, rec.Indicators.CurrentPrice, *rec.Price, 1e-9)
	assert.Contains(t, rec.Meta.FailedItems, "price")
	assert.Contains(t, rec.Meta.SuccessItems, "kline")
}

func TestCollectAllNoPriceAnywhere(t *testing.T) {
	src := &stubSource{
		barsErr:   fmt.Errorf("no kline"),
		tickerErr: fmt.Errorf("no ticker"),
	}
	c := New(marketdata.NewFactory(src, src), nil, nil, nil, nil)

	rec := c.CollectAll(context.Background(), Options{
		Market: marketdata.MarketCrypto, Symbol: "BTC/USDT", Timeframe: "1h",
	})

	assert.Nil(t, rec.Price)
	assert.Contains(t, rec.Meta.FailedItems, "price")
	assert.Contains(t, rec.Meta.FailedItems, "kline")
}

func TestPhaseNewsFiltersAndDedupes(t *testing.T) {
	now := time.Now().UTC()
	general := []marketdata.NewsItem{
		{Title: "Fed signals rate cut", PublishedAt: now.Add(-1 * time.Hour)},
		{Title: "Fed signals rate cut", PublishedAt: now.Add(-2 * time.Hour)}, // duplicate
		{Title: "Celebrity gossip roundup", PublishedAt: now},                 // no keyword
		{Title: "New sanctions announced", PublishedAt: now.Add(-30 * time.Minute)},
	}
	src := &stubSource{bars: risingBars(60), ticker: &marketdata.Ticker{Last: 100}}
	c := New(marketdata.NewFactory(src, src), nil, &stubNews{general: general}, nil, nil)

	rec := c.CollectAll(context.Background(), Options{
		Market: marketdata.MarketCrypto, Symbol: "BTC/USDT", Timeframe: "1h",
		IncludeNews: true,
	})

	require.Len(t, rec.News, 2)
	assert.Equal(t, "New sanctions announced", rec.News[0].Title, "newest first")
	assert.Equal(t, "Fed signals rate cut", rec.News[1].Title)
}

func TestNewsCap(t *testing.T) {
	now := time.Now().UTC()
	var general []marketdata.NewsItem
	for i := 0; i < 30; i++ {
		general = append(general, marketdata.NewsItem{
			Title:       fmt.Sprintf("Inflation report %d", i),
			PublishedAt: now.Add(-time.Duration(i) * time.Minute),
		})
	}
	src := &stubSource{bars: risingBars(60), ticker: &marketdata.Ticker{Last: 100}}
	c := New(marketdata.NewFactory(src, src), nil, &stubNews{general: general}, nil, nil)

	rec := c.CollectAll(context.Background(), Options{
		Market: marketdata.MarketCrypto, Symbol: "BTC/USDT", Timeframe: "1h",
		IncludeNews: true,
	})

	assert.Len(t, rec.News, newsCap)
}

func TestEventKeywords(t *testing.T) {
	kws := EventKeywords("ETH/USDT")
	assert.Contains(t, kws, "ETH")
	assert.Contains(t, kws, "Ethereum")

	kws = EventKeywords("OBSCURE/USDT")
	assert.Equal(t, []string{"OBSCURE"}, kws)
}

func TestMetaPartitionsAttemptedLegs(t *testing.T) {
	src := &stubSource{
		bars:      risingBars(60),
		tickerErr: fmt.Errorf("down"),
	}
	events := &stubEvents{err: fmt.Errorf("gamma down")}
	c := New(marketdata.NewFactory(src, src), nil, nil, nil, events)

	rec := c.CollectAll(context.Background(), Options{
		Market: marketdata.MarketCrypto, Symbol: "BTC/USDT", Timeframe: "1h",
		IncludePolymarket: true,
	})

	for _, item := range rec.Meta.SuccessItems {
		assert.NotContains(t, rec.Meta.FailedItems, item, "an item is either success or failed, never both")
	}
	assert.Contains(t, rec.Meta.FailedItems, "polymarket")
}
