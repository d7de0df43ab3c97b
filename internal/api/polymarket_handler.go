package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quantdesk/quantdesk/internal/polymarket"
)

func (s *Server) handleListPolymarkets(c *gin.Context) {
	if s.polymarket == nil {
		fail(c, "polymarket source not configured")
		return
	}

	limit := queryInt(c, "limit", 50)
	markets, err := s.polymarket.ListMarkets(c.Request.Context(), limit)
	if err != nil {
		fail(c, err.Error())
		return
	}

	if category := c.Query("category"); category != "" {
		filtered := markets[:0]
		for _, m := range markets {
			if strings.EqualFold(m.Category, category) {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}

	sortMarkets(markets, c.DefaultQuery("sort_by", "volume"))
	if len(markets) > limit {
		markets = markets[:limit]
	}

	ok(c, gin.H{"markets": markets, "total": len(markets)})
}

// sortMarkets orders in place, descending for liquidity-style keys and
// ascending for end_date
func sortMarkets(markets []polymarket.Market, key string) {
	switch key {
	case "liquidity":
		sort.SliceStable(markets, func(i, j int) bool { return markets[i].Liquidity > markets[j].Liquidity })
	case "probability":
		sort.SliceStable(markets, func(i, j int) bool { return markets[i].Probability > markets[j].Probability })
	case "end_date":
		sort.SliceStable(markets, func(i, j int) bool { return markets[i].EndDate.Before(markets[j].EndDate) })
	default:
		sort.SliceStable(markets, func(i, j int) bool { return markets[i].Volume24h > markets[j].Volume24h })
	}
}

func (s *Server) handleGetPolymarket(c *gin.Context) {
	if s.polymarket == nil {
		fail(c, "polymarket source not configured")
		return
	}

	id := c.Param("id")
	market, err := s.polymarket.GetMarket(c.Request.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			failStatus(c, http.StatusNotFound, err.Error())
			return
		}
		fail(c, err.Error())
		return
	}

	payload := gin.H{"market": market}

	// analyze=true attaches the AI divergence analysis; refresh=true
	// bypasses the 30 minute cache
	if c.Query("analyze") == "true" && s.analyzer != nil {
		analysis, err := s.analyzer.AnalyzeMarket(c.Request.Context(), id,
			c.Query("user_id"), c.Query("refresh") != "true",
			c.Query("language"), c.Query("model"))
		if err != nil {
			fail(c, err.Error())
			return
		}
		payload["analysis"] = analysis
	}

	ok(c, payload)
}

func (s *Server) handleSearchPolymarkets(c *gin.Context) {
	if s.polymarket == nil {
		fail(c, "polymarket source not configured")
		return
	}

	query := c.Query("q")
	if query == "" {
		fail(c, "q is required")
		return
	}

	markets, err := s.polymarket.SearchMarkets(c.Request.Context(), query, queryInt(c, "limit", 20))
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, gin.H{"markets": markets, "total": len(markets)})
}

func (s *Server) handleRecommendations(c *gin.Context) {
	if s.polymarket == nil || s.analyzer == nil {
		fail(c, "polymarket analyzer not configured")
		return
	}

	markets, err := s.polymarket.ListMarkets(c.Request.Context(), 50)
	if err != nil {
		fail(c, err.Error())
		return
	}

	opportunities, err := s.analyzer.BatchAnalyzeMarkets(c.Request.Context(), markets, queryInt(c, "limit", 10))
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, gin.H{
		"opportunities": opportunities,
		"scanned":       len(markets),
	})
}
