package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	analysisGroup := s.router.Group("/analysis")
	{
		analysisGroup.POST("/fast", s.handleFastAnalysis)
		analysisGroup.POST("/feedback", s.handleFeedback)
		analysisGroup.GET("/history", s.handleAnalysisHistory)
		analysisGroup.GET("/performance", s.handlePerformance)
	}

	tradeGroup := s.router.Group("/quick-trade")
	{
		tradeGroup.POST("/place-order", s.handlePlaceOrder)
		tradeGroup.POST("/close-position", s.handleClosePosition)
		tradeGroup.GET("/balance", s.handleBalance)
		tradeGroup.GET("/position", s.handlePositions)
		tradeGroup.GET("/history", s.handleTradeHistory)
	}

	pmGroup := s.router.Group("/polymarket")
	{
		pmGroup.GET("/markets", s.handleListPolymarkets)
		pmGroup.GET("/markets/:id", s.handleGetPolymarket)
		pmGroup.GET("/search", s.handleSearchPolymarkets)
		pmGroup.GET("/recommendations", s.handleRecommendations)
	}

	globalGroup := s.router.Group("/global-market")
	{
		globalGroup.GET("/overview", s.handleOverview)
		globalGroup.GET("/heatmap", s.handleHeatmap)
		globalGroup.GET("/news", s.handleGlobalNews)
		globalGroup.GET("/calendar", s.handleCalendar)
		globalGroup.GET("/sentiment", s.handleSentiment)
		globalGroup.GET("/opportunities", s.handleOpportunities)
	}

	backtestGroup := s.router.Group("/backtest")
	{
		backtestGroup.POST("/run", s.handleRunBacktest)
		backtestGroup.POST("/run-mtf", s.handleRunBacktestMTF)
		backtestGroup.GET("/history", s.handleBacktestHistory)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}
