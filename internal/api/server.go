// Package api exposes the REST surface: analysis, quick trading,
// prediction markets, global-market composites and backtesting. All
// business responses use the {code, msg, data} envelope.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/analysis"
	"github.com/quantdesk/quantdesk/internal/backtest"
	"github.com/quantdesk/quantdesk/internal/exchange"
	"github.com/quantdesk/quantdesk/internal/macro"
	"github.com/quantdesk/quantdesk/internal/marketdata"
	"github.com/quantdesk/quantdesk/internal/memory"
	"github.com/quantdesk/quantdesk/internal/polymarket"
	"github.com/quantdesk/quantdesk/internal/trade"
)

// AnalysisEngine runs one fast analysis. Satisfied by *analysis.Engine.
type AnalysisEngine interface {
	Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error)
}

// AnalysisMemory serves history, feedback and performance over persisted
// analyses. Satisfied by *memory.Store.
type AnalysisMemory interface {
	GetAllHistory(ctx context.Context, page, pageSize int) ([]memory.Record, int, error)
	RecordFeedback(ctx context.Context, id, feedback string) error
	GetPerformanceStats(ctx context.Context, market, symbol string, days int) (*memory.PerformanceStats, error)
}

// TradeService executes quick trades. Satisfied by *trade.Service.
type TradeService interface {
	PlaceOrder(ctx context.Context, req trade.PlaceOrderRequest) (*trade.PlaceOrderResult, error)
	ClosePosition(ctx context.Context, req trade.ClosePositionRequest) (*trade.PlaceOrderResult, error)
	GetBalance(ctx context.Context, credentialID, marketType string) (*exchange.Balance, error)
	GetPositions(ctx context.Context, credentialID, symbol string) ([]exchange.Position, error)
	History(ctx context.Context, userID string, page, pageSize int) ([]trade.Record, int, error)
}

// PolymarketSource lists and fetches prediction markets. Satisfied by
// *polymarket.Client.
type PolymarketSource interface {
	ListMarkets(ctx context.Context, limit int) ([]polymarket.Market, error)
	SearchMarkets(ctx context.Context, query string, limit int) ([]polymarket.Market, error)
	GetMarket(ctx context.Context, id string) (*polymarket.Market, error)
}

// PolymarketAnalyzer scores prediction markets. Satisfied by
// *polymarket.Analyzer.
type PolymarketAnalyzer interface {
	AnalyzeMarket(ctx context.Context, marketID, userID string, useCache bool, language, model string) (*polymarket.Analysis, error)
	BatchAnalyzeMarkets(ctx context.Context, markets []polymarket.Market, maxOpportunities int) ([]polymarket.Opportunity, error)
}

// MacroSource returns the composite macro snapshot. Satisfied by
// *macro.Service.
type MacroSource interface {
	GetMarketSentiment(ctx context.Context) *macro.Snapshot
}

// NewsSource serves market-wide headlines. Satisfied by
// *marketdata.FinnhubClient.
type NewsSource interface {
	GeneralNews(ctx context.Context, category string) ([]marketdata.NewsItem, error)
}

// CalendarSource serves scheduled economic releases. Satisfied by
// *marketdata.FinnhubClient.
type CalendarSource interface {
	EconomicCalendar(ctx context.Context, from, to time.Time) ([]marketdata.EconomicEvent, error)
}

// QuoteSource returns point-in-time quotes. Satisfied by
// *marketdata.Factory.
type QuoteSource interface {
	GetTicker(ctx context.Context, market marketdata.Market, symbol string) (*marketdata.Ticker, error)
}

// BacktestRunner executes candle-level backtests. Satisfied by
// *backtest.Runner.
type BacktestRunner interface {
	Run(ctx context.Context, req backtest.Request) (*backtest.Result, error)
	RunMTF(ctx context.Context, req backtest.Request) (*backtest.Result, error)
}

// BacktestHistory lists persisted runs. Satisfied by *backtest.Store.
type BacktestHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]backtest.RunSummary, error)
}

// Config contains server configuration and collaborators. Any nil
// collaborator disables its routes with a business error.
type Config struct {
	Host string
	Port int

	Analysis   AnalysisEngine
	Memory     AnalysisMemory
	Trades     TradeService
	Polymarket PolymarketSource
	Analyzer   PolymarketAnalyzer
	Macro      MacroSource
	News       NewsSource
	Calendar   CalendarSource
	Quotes     QuoteSource
	Backtests  BacktestRunner
	Runs       BacktestHistory
}

// Server is the REST API server
type Server struct {
	router     *gin.Engine
	analysis   AnalysisEngine
	memory     AnalysisMemory
	trades     TradeService
	polymarket PolymarketSource
	analyzer   PolymarketAnalyzer
	macro      MacroSource
	news       NewsSource
	calendar   CalendarSource
	quotes     QuoteSource
	backtests  BacktestRunner
	runs       BacktestHistory
	addr       string
	server     *http.Server
}

// NewServer creates the API server with routing and middleware installed
func NewServer(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server := &Server{
		router:     router,
		analysis:   config.Analysis,
		memory:     config.Memory,
		trades:     config.Trades,
		polymarket: config.Polymarket,
		analyzer:   config.Analyzer,
		macro:      config.Macro,
		news:       config.News,
		calendar:   config.Calendar,
		quotes:     config.Quotes,
		backtests:  config.Backtests,
		runs:       config.Runs,
		addr:       fmt.Sprintf("%s:%d", config.Host, config.Port),
	}

	server.setupRoutes()

	return server
}

// Start runs the HTTP server until it is stopped
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}

	return nil
}

// LoggerMiddleware logs one structured line per request
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		logEvent := log.Info().
			Str("method", method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", clientIP)

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
