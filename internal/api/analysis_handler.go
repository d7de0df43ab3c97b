package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quantdesk/quantdesk/internal/analysis"
	"github.com/quantdesk/quantdesk/internal/marketdata"
)

type fastAnalysisRequest struct {
	Market    string `json:"market"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Language  string `json:"language"`
	Model     string `json:"model"`
}

func (s *Server) handleFastAnalysis(c *gin.Context) {
	if s.analysis == nil {
		fail(c, "analysis engine not configured")
		return
	}

	var req fastAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request body: "+err.Error())
		return
	}
	if req.Symbol == "" {
		fail(c, "symbol is required")
		return
	}
	if req.Market == "" {
		req.Market = string(marketdata.MarketCrypto)
	}

	result, err := s.analysis.Analyze(c.Request.Context(), analysis.Request{
		Market:    marketdata.Market(req.Market),
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Language:  req.Language,
		Model:     req.Model,
	})
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, result)
}

// feedbackValues are the accepted user verdicts on a stored analysis
var feedbackValues = map[string]bool{
	"helpful":     true,
	"not_helpful": true,
	"accurate":    true,
	"inaccurate":  true,
}

type feedbackRequest struct {
	MemoryID string `json:"memory_id"`
	Feedback string `json:"feedback"`
}

func (s *Server) handleFeedback(c *gin.Context) {
	if s.memory == nil {
		fail(c, "analysis memory not configured")
		return
	}

	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request body: "+err.Error())
		return
	}
	if req.MemoryID == "" {
		fail(c, "memory_id is required")
		return
	}
	if !feedbackValues[req.Feedback] {
		fail(c, "feedback must be one of helpful, not_helpful, accurate, inaccurate")
		return
	}

	if err := s.memory.RecordFeedback(c.Request.Context(), req.MemoryID, req.Feedback); err != nil {
		if strings.Contains(err.Error(), "record not found") {
			failStatus(c, http.StatusNotFound, err.Error())
			return
		}
		fail(c, err.Error())
		return
	}
	ok(c, gin.H{"ok": true})
}

func (s *Server) handleAnalysisHistory(c *gin.Context) {
	if s.memory == nil {
		fail(c, "analysis memory not configured")
		return
	}

	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 20)

	records, total, err := s.memory.GetAllHistory(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, gin.H{
		"items":     records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handlePerformance(c *gin.Context) {
	if s.memory == nil {
		fail(c, "analysis memory not configured")
		return
	}

	stats, err := s.memory.GetPerformanceStats(c.Request.Context(),
		c.Query("market"), c.Query("symbol"), queryInt(c, "days", 30))
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, stats)
}

// queryInt parses an integer query parameter with a fallback
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
