package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/quantdesk/internal/macro"
	"github.com/quantdesk/quantdesk/internal/marketdata"
)

type stubQuotes struct {
	tickers map[string]*marketdata.Ticker
}

func (s *stubQuotes) GetTicker(ctx context.Context, market marketdata.Market, symbol string) (*marketdata.Ticker, error) {
	t, ok := s.tickers[symbol]
	if !ok {
		return nil, errors.New("no quote")
	}
	return t, nil
}

type stubMacro struct {
	snapshot *macro.Snapshot
}

func (s *stubMacro) GetMarketSentiment(ctx context.Context) *macro.Snapshot {
	return s.snapshot
}

type stubNews struct {
	byCategory map[string][]marketdata.NewsItem
}

func (s *stubNews) GeneralNews(ctx context.Context, category string) ([]marketdata.NewsItem, error) {
	items, ok := s.byCategory[category]
	if !ok {
		return nil, errors.New("category unavailable")
	}
	return items, nil
}

type stubCalendar struct {
	events   []marketdata.EconomicEvent
	lastFrom time.Time
	lastTo   time.Time
}

func (s *stubCalendar) EconomicCalendar(ctx context.Context, from, to time.Time) ([]marketdata.EconomicEvent, error) {
	s.lastFrom, s.lastTo = from, to
	return s.events, nil
}

func quotesFor(changes map[string]float64) *stubQuotes {
	tickers := make(map[string]*marketdata.Ticker, len(changes))
	for symbol, change := range changes {
		tickers[symbol] = &marketdata.Ticker{
			Symbol:    symbol,
			Last:      100,
			Change24h: change,
		}
	}
	return &stubQuotes{tickers: tickers}
}

func TestOverviewComposesLegs(t *testing.T) {
	s := newTestServer(Config{
		Quotes: quotesFor(map[string]float64{
			"BTC/USDT": 2.5, "ETH/USDT": -1.2, "SPY": 0.4,
		}),
		Macro: &stubMacro{snapshot: &macro.Snapshot{FearGreedLabel: "Greed"}},
	})

	code, resp := doJSON(t, s, "GET", "/global-market/overview", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	data := dataMap(t, resp)
	assert.Len(t, data["crypto"].([]interface{}), 2, "failed quotes drop out")
	assert.Len(t, data["indices"].([]interface{}), 1)
	require.Contains(t, data, "macro")
}

func TestHeatmapSortedByChange(t *testing.T) {
	s := newTestServer(Config{
		Quotes: quotesFor(map[string]float64{
			"BTC/USDT": 1.0, "ETH/USDT": 5.0, "SOL/USDT": -3.0,
		}),
	})

	code, resp := doJSON(t, s, "GET", "/global-market/heatmap", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	entries := dataMap(t, resp)["entries"].([]interface{})
	require.Len(t, entries, 3)
	first := entries[0].(map[string]interface{})
	assert.Equal(t, "ETH/USDT", first["symbol"])
	last := entries[2].(map[string]interface{})
	assert.Equal(t, "SOL/USDT", last["symbol"])
}

func TestGlobalNewsMergesAndSorts(t *testing.T) {
	now := time.Now().UTC()
	s := newTestServer(Config{News: &stubNews{byCategory: map[string][]marketdata.NewsItem{
		"general": {{Title: "older", PublishedAt: now.Add(-2 * time.Hour)}},
		"crypto":  {{Title: "newer", PublishedAt: now.Add(-time.Hour)}},
	}}})

	code, resp := doJSON(t, s, "GET", "/global-market/news", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	items := dataMap(t, resp)["news"].([]interface{})
	require.Len(t, items, 2)
	first := items[0].(map[string]interface{})
	assert.Equal(t, "newer", first["title"])
}

func TestGlobalNewsAllCategoriesFailing(t *testing.T) {
	s := newTestServer(Config{News: &stubNews{byCategory: map[string][]marketdata.NewsItem{}}})

	code, resp := doJSON(t, s, "GET", "/global-market/news", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, 0, resp.Code)
}

func TestCalendarDefaultsToWeekAhead(t *testing.T) {
	cal := &stubCalendar{events: []marketdata.EconomicEvent{
		{Event: "CPI", Country: "US", Impact: "high"},
	}}
	s := newTestServer(Config{Calendar: cal})

	code, resp := doJSON(t, s, "GET", "/global-market/calendar", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	assert.InDelta(t, 7*24, cal.lastTo.Sub(cal.lastFrom).Hours(), 1)
	events := dataMap(t, resp)["events"].([]interface{})
	require.Len(t, events, 1)
}

func TestCalendarRejectsInvertedRange(t *testing.T) {
	s := newTestServer(Config{Calendar: &stubCalendar{}})

	code, resp := doJSON(t, s, "GET", "/global-market/calendar?from=2026-02-01&to=2026-01-01", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, 0, resp.Code)
}

func TestSentimentSnapshot(t *testing.T) {
	s := newTestServer(Config{Macro: &stubMacro{snapshot: &macro.Snapshot{
		FearGreedLabel: "Extreme Fear",
		VIX:            macro.Metric{Value: 32, Interpretation: "elevated"},
	}}})

	code, resp := doJSON(t, s, "GET", "/global-market/sentiment", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	data := dataMap(t, resp)
	assert.Equal(t, "Extreme Fear", data["fear_greed_label"])
}

func TestOpportunitiesRanksMovers(t *testing.T) {
	s := newTestServer(Config{
		Quotes: quotesFor(map[string]float64{
			"BTC/USDT": 1.0, "ETH/USDT": -8.0, "SOL/USDT": 4.0,
			"XRP/USDT": 0.2, "ADA/USDT": 2.0, "DOGE/USDT": -0.5,
		}),
	})

	code, resp := doJSON(t, s, "GET", "/global-market/opportunities", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	movers := dataMap(t, resp)["movers"].([]interface{})
	require.Len(t, movers, 5)
	first := movers[0].(map[string]interface{})
	assert.Equal(t, "ETH/USDT", first["symbol"], "largest absolute move first")
}
