package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/quantdesk/internal/polymarket"
)

type stubPolymarket struct {
	markets   []polymarket.Market
	market    *polymarket.Market
	err       error
	lastQuery string
}

func (s *stubPolymarket) ListMarkets(ctx context.Context, limit int) ([]polymarket.Market, error) {
	return s.markets, s.err
}

func (s *stubPolymarket) SearchMarkets(ctx context.Context, query string, limit int) ([]polymarket.Market, error) {
	s.lastQuery = query
	return s.markets, s.err
}

func (s *stubPolymarket) GetMarket(ctx context.Context, id string) (*polymarket.Market, error) {
	if s.market == nil {
		return nil, fmt.Errorf("market not found: %s", id)
	}
	return s.market, s.err
}

type stubAnalyzer struct {
	analysis      *polymarket.Analysis
	opportunities []polymarket.Opportunity
	err           error
	lastUseCache  bool
	batchCalls    int
}

func (s *stubAnalyzer) AnalyzeMarket(ctx context.Context, marketID, userID string, useCache bool, language, model string) (*polymarket.Analysis, error) {
	s.lastUseCache = useCache
	return s.analysis, s.err
}

func (s *stubAnalyzer) BatchAnalyzeMarkets(ctx context.Context, markets []polymarket.Market, maxOpportunities int) ([]polymarket.Opportunity, error) {
	s.batchCalls++
	return s.opportunities, s.err
}

func testMarkets() []polymarket.Market {
	return []polymarket.Market{
		{ID: "1", Question: "Fed cuts in March?", Category: "Economics", Volume24h: 5000, Probability: 40},
		{ID: "2", Question: "BTC above 100k?", Category: "Crypto", Volume24h: 90000, Probability: 65},
		{ID: "3", Question: "ETH flips BTC?", Category: "Crypto", Volume24h: 20000, Probability: 10},
	}
}

func TestListPolymarketsSortsByVolume(t *testing.T) {
	s := newTestServer(Config{Polymarket: &stubPolymarket{markets: testMarkets()}})

	code, resp := doJSON(t, s, "GET", "/polymarket/markets", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	data := dataMap(t, resp)
	markets := data["markets"].([]interface{})
	require.Len(t, markets, 3)
	first := markets[0].(map[string]interface{})
	assert.Equal(t, "2", first["id"], "highest 24h volume first")
}

func TestListPolymarketsCategoryFilter(t *testing.T) {
	s := newTestServer(Config{Polymarket: &stubPolymarket{markets: testMarkets()}})

	code, resp := doJSON(t, s, "GET", "/polymarket/markets?category=crypto&sort_by=probability", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	data := dataMap(t, resp)
	markets := data["markets"].([]interface{})
	require.Len(t, markets, 2)
	first := markets[0].(map[string]interface{})
	assert.Equal(t, "2", first["id"], "highest probability first")
}

func TestGetPolymarketNotFound(t *testing.T) {
	s := newTestServer(Config{Polymarket: &stubPolymarket{}})

	code, resp := doJSON(t, s, "GET", "/polymarket/markets/999", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 0, resp.Code)
}

func TestGetPolymarketWithAnalysis(t *testing.T) {
	analyzer := &stubAnalyzer{analysis: &polymarket.Analysis{
		MarketID: "2", Recommendation: polymarket.RecommendYes, Divergence: 12,
	}}
	s := newTestServer(Config{
		Polymarket: &stubPolymarket{market: &polymarket.Market{ID: "2", Question: "BTC above 100k?"}},
		Analyzer:   analyzer,
	})

	code, resp := doJSON(t, s, "GET", "/polymarket/markets/2?analyze=true&refresh=true", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	data := dataMap(t, resp)
	require.Contains(t, data, "analysis")
	assert.False(t, analyzer.lastUseCache, "refresh bypasses the cache")
}

func TestSearchPolymarketsRequiresQuery(t *testing.T) {
	s := newTestServer(Config{Polymarket: &stubPolymarket{}})

	code, resp := doJSON(t, s, "GET", "/polymarket/search", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, 0, resp.Code)
	assert.Contains(t, resp.Msg, "q is required")
}

func TestSearchPolymarkets(t *testing.T) {
	source := &stubPolymarket{markets: testMarkets()[:1]}
	s := newTestServer(Config{Polymarket: source})

	code, resp := doJSON(t, s, "GET", "/polymarket/search?q=fed", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)
	assert.Equal(t, "fed", source.lastQuery)
}

func TestRecommendations(t *testing.T) {
	analyzer := &stubAnalyzer{opportunities: []polymarket.Opportunity{
		{MarketID: "2", OpportunityScore: 82, Recommendation: "YES"},
		{MarketID: "3", OpportunityScore: 70, Recommendation: "NO"},
	}}
	s := newTestServer(Config{
		Polymarket: &stubPolymarket{markets: testMarkets()},
		Analyzer:   analyzer,
	})

	code, resp := doJSON(t, s, "GET", "/polymarket/recommendations?limit=2", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)
	assert.Equal(t, 1, analyzer.batchCalls)

	data := dataMap(t, resp)
	assert.EqualValues(t, 3, data["scanned"])
	assert.Len(t, data["opportunities"].([]interface{}), 2)
}
