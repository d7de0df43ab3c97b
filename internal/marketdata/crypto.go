package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/symbols"
)

// klineBatchSize bounds a single venue kline request; windows larger than
// this are paginated by advancing the start time.
const klineBatchSize = 300

// CryptoSource fetches crypto klines and tickers from Binance public
// market-data endpoints. No credentials are needed for these calls.
type CryptoSource struct {
	client *binance.Client
}

// NewCryptoSource creates a crypto market-data source
func NewCryptoSource() *CryptoSource {
	return &CryptoSource{client: binance.NewClient("", "")}
}

// GetKline returns up to limit bars ascending by time. When before is set,
// the window end is bounded and the fetch paginates backwards from
// before - timeframe*limit in batches of at most klineBatchSize bars.
func (s *CryptoSource) GetKline(ctx context.Context, symbol, timeframe string, limit int, before int64) ([]Bar, error) {
	tfSecs, err := TimeframeSeconds(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	wire, err := s.resolveWire(ctx, symbol)
	if err != nil {
		return nil, err
	}
	interval := strings.ToLower(timeframe)

	if before == 0 {
		return s.fetchBatch(ctx, wire, interval, limit, 0, 0)
	}

	// Paginated historical window ending at before
	endMs := before * 1000
	sinceMs := (before - tfSecs*int64(limit)) * 1000
	tfMs := tfSecs * 1000

	var bars []Bar
	for len(bars) < limit {
		batchLimit := limit - len(bars)
		if batchLimit > klineBatchSize {
			batchLimit = klineBatchSize
		}

		batch, err := s.fetchBatch(ctx, wire, interval, batchLimit, sinceMs, endMs)
		if err != nil {
			if len(bars) > 0 {
				log.Warn().Err(err).Str("symbol", wire).Msg("Kline pagination stopped early")
				break
			}
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		bars = append(bars, batch...)
		lastMs := batch[len(batch)-1].Time * 1000
		if lastMs >= endMs-tfMs {
			break
		}
		sinceMs = lastMs + tfMs
	}

	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// GetTicker returns the latest quote with 24h change
func (s *CryptoSource) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	wire, err := s.resolveWire(ctx, symbol)
	if err != nil {
		return nil, err
	}

	stats, err := s.client.NewListPriceChangeStatsService().Symbol(wire).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ticker fetch failed for %s: %w", wire, err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("empty ticker response for %s", wire)
	}

	last, _ := strconv.ParseFloat(stats[0].LastPrice, 64)
	change, _ := strconv.ParseFloat(stats[0].PriceChangePercent, 64)
	bid, _ := strconv.ParseFloat(stats[0].BidPrice, 64)
	ask, _ := strconv.ParseFloat(stats[0].AskPrice, 64)

	return &Ticker{
		Symbol:    symbol,
		Last:      last,
		Bid:       bid,
		Ask:       ask,
		Change24h: change,
		Timestamp: time.Now().UTC(),
	}, nil
}

// resolveWire maps a canonical-ish symbol to the Binance wire symbol. When
// the pair as given is unknown, the common quotes are scanned for an
// alternative BASE/QUOTE combination before failing.
func (s *CryptoSource) resolveWire(ctx context.Context, symbol string) (string, error) {
	canonical, base := symbols.Normalize(symbol)
	if canonical == "" {
		return "", fmt.Errorf("unresolvable symbol: %q", symbol)
	}

	wire := symbols.Project(canonical, symbols.VenueBinance, symbols.MarketSpot)
	if s.symbolExists(ctx, wire) {
		return wire, nil
	}

	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC"} {
		alt := symbols.Project(base+"/"+quote, symbols.VenueBinance, symbols.MarketSpot)
		if alt != wire && s.symbolExists(ctx, alt) {
			log.Debug().Str("requested", wire).Str("resolved", alt).Msg("Resolved alternate quote pair")
			return alt, nil
		}
	}

	return "", fmt.Errorf("symbol not found on venue: %s", canonical)
}

// symbolExists probes the venue price endpoint for a wire symbol
func (s *CryptoSource) symbolExists(ctx context.Context, wire string) bool {
	prices, err := s.client.NewListPricesService().Symbol(wire).Do(ctx)
	return err == nil && len(prices) > 0
}

func (s *CryptoSource) fetchBatch(ctx context.Context, wire, interval string, limit int, startMs, endMs int64) ([]Bar, error) {
	svc := s.client.NewKlinesService().Symbol(wire).Interval(interval).Limit(limit)
	if startMs > 0 {
		svc = svc.StartTime(startMs)
	}
	if endMs > 0 {
		svc = svc.EndTime(endMs)
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("kline fetch failed for %s %s: %w", wire, interval, err)
	}

	bars := make([]Bar, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closeP, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)

		bar := Bar{
			Time:   k.OpenTime / 1000,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closeP,
			Volume: volume,
		}
		if !bar.Valid() {
			log.Warn().Str("symbol", wire).Int64("time", bar.Time).Msg("Dropping malformed bar")
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
