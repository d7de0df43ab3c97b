package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/analysis"
	"github.com/quantdesk/quantdesk/internal/api"
	"github.com/quantdesk/quantdesk/internal/backtest"
	"github.com/quantdesk/quantdesk/internal/collector"
	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/db"
	"github.com/quantdesk/quantdesk/internal/exchange"
	"github.com/quantdesk/quantdesk/internal/llm"
	"github.com/quantdesk/quantdesk/internal/macro"
	"github.com/quantdesk/quantdesk/internal/marketdata"
	"github.com/quantdesk/quantdesk/internal/memory"
	"github.com/quantdesk/quantdesk/internal/polymarket"
	"github.com/quantdesk/quantdesk/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logFormat := "json"
	if cfg.App.Environment == "development" {
		logFormat = "console"
	}
	config.InitLogger(cfg.App.LogLevel, logFormat)
	log.Info().Str("version", cfg.App.Version).Msg("Starting QuantDesk API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(ctx, cfg.Database.GetDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Schema migration failed")
	}

	cache := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := cache.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable, caches disabled")
		cache = nil
	}
	defer func() {
		if cache != nil {
			cache.Close()
		}
	}()

	// Market data and macro pipeline
	cryptoSource := marketdata.NewCryptoSource()
	yahooSource := marketdata.NewYahooSource()
	factory := marketdata.NewFactory(cryptoSource, yahooSource)
	finnhub := marketdata.NewFinnhubClient(cfg.Finnhub.BaseURL, cfg.Finnhub.APIKey)

	macroService := macro.NewService(yahooSource, macro.NewFearGreedClient(""),
		macro.NewSentimentCache(cache, cfg.Collector.MacroTTL()))

	pmClient := polymarket.NewClient(cfg.Polymarket.BaseURL, cache)

	coll := collector.New(factory, macroService, finnhub, finnhub, pmClient)

	// Analysis engine and memory
	llmClient := llm.NewClient(llm.ClientConfig{
		Endpoint:    cfg.LLM.Endpoint,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.GetTimeout(),
	})
	memStore := memory.NewStore(database.Pool())
	taskStore := memory.NewTaskStore(database.Pool())
	engine := analysis.NewEngine(coll, llmClient, memStore, taskStore)

	pmAnalyzer := polymarket.NewAnalyzer(pmClient, coll, llmClient,
		polymarket.NewStore(database.Pool()), taskStore, cache)

	// Trading and backtesting
	tradeService := trade.NewService(exchange.NewCredentialRepo(database.Pool()),
		trade.NewStore(database.Pool()), nil)
	backtestStore := backtest.NewStore(database.Pool())
	backtestRunner := backtest.NewRunner(factory, backtestStore)

	server := api.NewServer(api.Config{
		Host:       cfg.API.Host,
		Port:       cfg.API.Port,
		Analysis:   engine,
		Memory:     memStore,
		Trades:     tradeService,
		Polymarket: pmClient,
		Analyzer:   pmAnalyzer,
		Macro:      macroService,
		News:       finnhub,
		Calendar:   finnhub,
		Quotes:     factory,
		Backtests:  backtestRunner,
		Runs:       backtestStore,
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("Server error")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop server gracefully")
		os.Exit(1)
	}

	log.Info().Msg("Server stopped")
}
