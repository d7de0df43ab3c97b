// The validator scores past analysis decisions against realized prices.
// It runs the validation window once or on an interval, resolving
// current prices through the shared market-data factory.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/db"
	"github.com/quantdesk/quantdesk/internal/marketdata"
	"github.com/quantdesk/quantdesk/internal/memory"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	daysAgo := flag.Int("days-ago", 7, "validate records created this many days ago")
	interval := flag.Duration("interval", time.Hour, "time between validation passes")
	once := flag.Bool("once", false, "run one validation pass and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, "json")
	log.Info().Int("days_ago", *daysAgo).Msg("Starting decision validator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(ctx, cfg.Database.GetDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	factory := marketdata.NewFactory(marketdata.NewCryptoSource(), marketdata.NewYahooSource())
	pricer := func(ctx context.Context, market, symbol string) (float64, error) {
		ticker, err := factory.GetTicker(ctx, marketdata.Market(market), symbol)
		if err != nil {
			return 0, err
		}
		return ticker.Last, nil
	}

	store := memory.NewStore(database.Pool())

	runPass := func() {
		passCtx, passCancel := context.WithTimeout(ctx, 10*time.Minute)
		defer passCancel()

		validated, err := store.ValidatePastDecisions(passCtx, *daysAgo, pricer)
		if err != nil {
			log.Error().Err(err).Msg("Validation pass failed")
			return
		}
		log.Info().Int("validated", validated).Msg("Validation pass complete")
	}

	runPass()
	if *once {
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runPass()
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Validator shutting down")
			return
		}
	}
}
