package polymarket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertMarket(t *testing.T) {
	gm := gammaMarket{
		ID:            "12345",
		Question:      "Will Bitcoin close above $100k this year?",
		Slug:          "bitcoin-above-100k",
		OutcomePrices: `["0.42", "0.58"]`,
		Volume24hr:    55000.0,
		Liquidity:     "120000",
		EndDate:       "2026-12-31T00:00:00Z",
		Active:        true,
	}

	m := convertMarket(gm)
	assert.InDelta(t, 42.0, m.Probability, 1e-9)
	assert.InDelta(t, 55000.0, m.Volume24h, 1e-9)
	assert.InDelta(t, 120000.0, m.Liquidity, 1e-9)
	assert.Equal(t, "https://polymarket.com/event/bitcoin-above-100k", m.URL)
	assert.Equal(t, 2026, m.EndDate.Year())
}

func TestConvertMarketNumericSlugFallsBackToIDURL(t *testing.T) {
	gm := gammaMarket{ID: "9876", Question: "q", Slug: "554321", OutcomePrices: `["0.5"]`}
	m := convertMarket(gm)
	assert.Empty(t, m.Slug, "numeric slug is treated as missing")
	assert.Equal(t, "https://polymarket.com/markets/9876", m.URL)
}

func TestDeriveAnalysisRecommendation(t *testing.T) {
	market := &Market{ID: "m1", Question: "q", Probability: 40}

	tests := []struct {
		name       string
		predicted  float64
		confidence float64
		want       string
	}{
		{"strong positive divergence", 55, 80, RecommendYes},
		{"strong negative divergence", 25, 80, RecommendNo},
		{"divergence too small", 44, 80, RecommendHold},
		{"confidence too low", 60, 50, RecommendHold},
		{"confidence at threshold", 60, 60, RecommendHold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := &analysisReply{PredictedProbability: tt.predicted, Confidence: tt.confidence}
			a := deriveAnalysis(market, reply, "", nil)
			assert.Equal(t, tt.want, a.Recommendation)
			assert.InDelta(t, tt.predicted-40, a.Divergence, 1e-9)
		})
	}
}

func TestOpportunityScore(t *testing.T) {
	// divergence part capped at 40
	assert.InDelta(t, 40+60*0.6, OpportunityScore(30, 60), 1e-9)
	// below cap: |10|*2 + 80*0.6
	assert.InDelta(t, 20+48, OpportunityScore(10, 80), 1e-9)
	// negative divergence counts by magnitude
	assert.InDelta(t, 20+48, OpportunityScore(-10, 80), 1e-9)
}

func TestHeuristicOpportunities(t *testing.T) {
	markets := []Market{
		{ID: "liquid-skewed", Probability: 80, Volume24h: 50000},
		{ID: "thin", Probability: 85, Volume24h: 500},
		{ID: "even-odds", Probability: 52, Volume24h: 90000},
	}

	out := heuristicOpportunities(markets)
	require.Len(t, out, 1)
	assert.Equal(t, "liquid-skewed", out[0].MarketID)
	// 60 + 30*0.5 = 75
	assert.InDelta(t, 75.0, out[0].OpportunityScore, 1e-9)
}

func TestHeuristicOpportunityScoreCapped(t *testing.T) {
	out := heuristicOpportunities([]Market{{ID: "extreme", Probability: 99, Volume24h: 1e6}})
	require.Len(t, out, 1)
	assert.InDelta(t, 84.5, out[0].OpportunityScore, 1e-9)

	out = heuristicOpportunities([]Market{{ID: "max", Probability: 0, Volume24h: 1e6}})
	require.Len(t, out, 1)
	assert.InDelta(t, 85.0, out[0].OpportunityScore, 1e-9)
}

type stubCompleter struct {
	content string
	err     error
}

func (s *stubCompleter) CompleteWithSystem(ctx context.Context, model, sys, user string) (string, error) {
	return s.content, s.err
}

func TestBatchAnalyzeMarketsRanksAndTruncates(t *testing.T) {
	markets := []Market{
		{ID: "a", Question: "qa", Probability: 30, Volume24h: 1},
		{ID: "b", Question: "qb", Probability: 70, Volume24h: 1},
		{ID: "c", Question: "qc", Probability: 50, Volume24h: 1},
	}
	reply := `{"opportunities":[
		{"market_id":"a","opportunity_score":55,"recommendation":"yes","confidence":70},
		{"market_id":"b","opportunity_score":80,"recommendation":"NO","confidence":75},
		{"market_id":"c","opportunity_score":20,"recommendation":"HOLD","confidence":40},
		{"market_id":"ghost","opportunity_score":99,"recommendation":"YES","confidence":99}
	]}`

	a := NewAnalyzer(nil, nil, &stubCompleter{content: reply}, nil, nil, nil)
	out, err := a.BatchAnalyzeMarkets(context.Background(), markets, 2)
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].MarketID, "sorted by score descending")
	assert.Equal(t, RecommendNo, out[0].Recommendation)
	assert.Equal(t, "a", out[1].MarketID)
	assert.Equal(t, RecommendYes, out[1].Recommendation, "lowercase recommendation is normalized")
}

func TestBatchAnalyzeMarketsFallbackOnMalformedOutput(t *testing.T) {
	markets := []Market{
		{ID: "big", Question: "q", Probability: 75, Volume24h: 40000},
		{ID: "small", Question: "q", Probability: 75, Volume24h: 100},
	}

	a := NewAnalyzer(nil, nil, &stubCompleter{content: "sorry, cannot help"}, nil, nil, nil)
	out, err := a.BatchAnalyzeMarkets(context.Background(), markets, 10)
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, "big", out[0].MarketID)
}

func TestSearchMarketsSendsQueryUpstream(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/public-search", r.URL.Path)
		gotQuery = r.URL.Query().Get("q")
		assert.Equal(t, "active", r.URL.Query().Get("events_status"))
		fmt.Fprint(w, `{"events":[
			{"markets":[
				{"id":"1","question":"Will Bitcoin hit 100k?","slug":"btc-100k","outcomePrices":"[\"0.4\"]","active":true},
				{"id":"2","question":"Resolved already","outcomePrices":"[\"0.9\"]","closed":true}
			]},
			{"markets":[
				{"id":"1","question":"Will Bitcoin hit 100k?","slug":"btc-100k","outcomePrices":"[\"0.4\"]","active":true},
				{"id":"3","question":"Will Bitcoin hit 150k?","slug":"btc-150k","outcomePrices":"[\"0.1\"]","active":true}
			]}
		]}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	markets, err := client.SearchMarkets(context.Background(), "BTC 100k", 10)
	require.NoError(t, err)

	assert.Equal(t, "BTC 100k", gotQuery)
	require.Len(t, markets, 2, "closed markets and duplicates are dropped")
	assert.Equal(t, "1", markets[0].ID)
	assert.Equal(t, "3", markets[1].ID)
}

func TestSearchMarketsTruncatesToLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit_per_type"))
		fmt.Fprint(w, `{"events":[{"markets":[
			{"id":"1","question":"first","outcomePrices":"[\"0.4\"]","active":true},
			{"id":"2","question":"second","outcomePrices":"[\"0.6\"]","active":true}
		]}]}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	markets, err := client.SearchMarkets(context.Background(), "anything", 1)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "1", markets[0].ID)
}

func TestSearchEventsDedupes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"events":[{"markets":[
			{"id":"1","question":"Will Bitcoin hit 100k?","slug":"btc-100k","outcomePrices":"[\"0.4\"]","active":true},
			{"id":"2","question":"Will Ethereum flip Bitcoin?","slug":"eth-flip","outcomePrices":"[\"0.1\"]","active":true}
		]}]}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	events, err := client.SearchEvents(context.Background(), []string{"bitcoin", "Bitcoin price"})
	require.NoError(t, err)

	ids := make(map[string]int)
	for _, ev := range events {
		ids[ev.MarketID]++
	}
	for id, count := range ids {
		assert.Equal(t, 1, count, "market %s duplicated", id)
	}
	assert.Contains(t, ids, "1")
}

func TestRelatedAssets(t *testing.T) {
	assets := RelatedAssets("Will Bitcoin and Ethereum both rally before the ETF ruling?")
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		symbols = append(symbols, a.Symbol)
	}
	assert.Contains(t, symbols, "BTC/USDT")
	assert.Contains(t, symbols, "ETH/USDT")

	assert.Empty(t, RelatedAssets("Will it rain in Paris tomorrow?"))
}
