package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantdesk/quantdesk/internal/backtest"
	"github.com/quantdesk/quantdesk/internal/marketdata"
)

// runBacktestRequest is the wire form of a backtest submission. Dates
// accept RFC3339 or plain YYYY-MM-DD.
type runBacktestRequest struct {
	IndicatorCode  string                  `json:"indicator_code"`
	Market         string                  `json:"market"`
	Symbol         string                  `json:"symbol"`
	Timeframe      string                  `json:"timeframe"`
	Start          string                  `json:"start"`
	End            string                  `json:"end"`
	InitialCapital float64                 `json:"initial_capital"`
	Commission     float64                 `json:"commission"`
	Slippage       float64                 `json:"slippage"`
	Leverage       int                     `json:"leverage"`
	TradeDirection string                  `json:"trade_direction"`
	Strategy       backtest.StrategyConfig `json:"strategy_config"`
	EnableMTF      bool                    `json:"enable_mtf"`
}

func (r *runBacktestRequest) toRequest() (backtest.Request, error) {
	start, err := parseDate(r.Start)
	if err != nil {
		return backtest.Request{}, fmt.Errorf("invalid start date %q", r.Start)
	}
	end, err := parseDate(r.End)
	if err != nil {
		return backtest.Request{}, fmt.Errorf("invalid end date %q", r.End)
	}

	return backtest.Request{
		IndicatorCode:  r.IndicatorCode,
		Market:         marketdata.Market(r.Market),
		Symbol:         r.Symbol,
		Timeframe:      r.Timeframe,
		Start:          start,
		End:            end,
		InitialCapital: r.InitialCapital,
		Commission:     r.Commission,
		Slippage:       r.Slippage,
		Leverage:       r.Leverage,
		TradeDirection: r.TradeDirection,
		Strategy:       r.Strategy,
		EnableMTF:      r.EnableMTF,
	}, nil
}

func parseDate(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", raw)
}

// Backtest failures surface as non-2xx responses naming the failing
// stage, unlike the 200-wrapped business errors elsewhere.
func (s *Server) runBacktest(c *gin.Context, mtf bool) {
	if s.backtests == nil {
		failStatus(c, http.StatusServiceUnavailable, "backtest runner not configured")
		return
	}

	var wire runBacktestRequest
	if err := c.ShouldBindJSON(&wire); err != nil {
		failStatus(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req, err := wire.toRequest()
	if err != nil {
		failStatus(c, http.StatusBadRequest, err.Error())
		return
	}

	var result *backtest.Result
	if mtf || req.EnableMTF {
		result, err = s.backtests.RunMTF(c.Request.Context(), req)
	} else {
		result, err = s.backtests.Run(c.Request.Context(), req)
	}
	if err != nil {
		failStatus(c, http.StatusBadRequest, err.Error())
		return
	}
	ok(c, result)
}

func (s *Server) handleRunBacktest(c *gin.Context) {
	s.runBacktest(c, false)
}

func (s *Server) handleRunBacktestMTF(c *gin.Context) {
	s.runBacktest(c, true)
}

func (s *Server) handleBacktestHistory(c *gin.Context) {
	if s.runs == nil {
		fail(c, "backtest history not configured")
		return
	}

	runs, err := s.runs.RecentRuns(c.Request.Context(), queryInt(c, "limit", 20))
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, gin.H{"runs": runs, "total": len(runs)})
}
