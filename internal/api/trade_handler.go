package api

import (
	"github.com/gin-gonic/gin"

	"github.com/quantdesk/quantdesk/internal/trade"
)

func (s *Server) handlePlaceOrder(c *gin.Context) {
	if s.trades == nil {
		fail(c, "trading service not configured")
		return
	}

	var req trade.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request body: "+err.Error())
		return
	}

	result, err := s.trades.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, result)
}

func (s *Server) handleClosePosition(c *gin.Context) {
	if s.trades == nil {
		fail(c, "trading service not configured")
		return
	}

	var req trade.ClosePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request body: "+err.Error())
		return
	}

	result, err := s.trades.ClosePosition(c.Request.Context(), req)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, result)
}

func (s *Server) handleBalance(c *gin.Context) {
	if s.trades == nil {
		fail(c, "trading service not configured")
		return
	}

	credentialID := c.Query("credential_id")
	if credentialID == "" {
		fail(c, "credential_id is required")
		return
	}
	marketType := c.DefaultQuery("market_type", "spot")

	balance, err := s.trades.GetBalance(c.Request.Context(), credentialID, marketType)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, balance)
}

func (s *Server) handlePositions(c *gin.Context) {
	if s.trades == nil {
		fail(c, "trading service not configured")
		return
	}

	credentialID := c.Query("credential_id")
	if credentialID == "" {
		fail(c, "credential_id is required")
		return
	}

	positions, err := s.trades.GetPositions(c.Request.Context(), credentialID, c.Query("symbol"))
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, gin.H{"positions": positions, "total": len(positions)})
}

func (s *Server) handleTradeHistory(c *gin.Context) {
	if s.trades == nil {
		fail(c, "trading service not configured")
		return
	}

	limit := queryInt(c, "limit", 20)
	if limit < 1 {
		limit = 20
	}
	offset := queryInt(c, "offset", 0)
	page := offset/limit + 1

	records, total, err := s.trades.History(c.Request.Context(), c.Query("user_id"), page, limit)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, gin.H{
		"items":  records,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
