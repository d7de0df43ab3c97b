package marketdata

import (
	"context"
	"fmt"
)

// Source fetches klines and tickers for one asset universe
type Source interface {
	// GetKline returns up to limit bars for the symbol, strictly ascending.
	// A non-zero before bounds the window end (UTC seconds).
	GetKline(ctx context.Context, symbol, timeframe string, limit int, before int64) ([]Bar, error)

	// GetTicker returns the latest quote for the symbol
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
}

// Factory dispatches market identifiers to concrete sources
type Factory struct {
	crypto Source
	yahoo  Source
}

// NewFactory creates a factory over the given sources. The Yahoo source
// serves stocks, forex and metals.
func NewFactory(crypto, yahoo Source) *Factory {
	return &Factory{crypto: crypto, yahoo: yahoo}
}

// Source returns the source for a market
func (f *Factory) Source(market Market) (Source, error) {
	switch market {
	case MarketCrypto:
		return f.crypto, nil
	case MarketStock, MarketForex, MarketMetal:
		return f.yahoo, nil
	default:
		return nil, fmt.Errorf("unsupported market: %s", market)
	}
}

// GetKline fetches bars for a (market, symbol) through the right source
func (f *Factory) GetKline(ctx context.Context, market Market, symbol, timeframe string, limit int, before int64) ([]Bar, error) {
	src, err := f.Source(market)
	if err != nil {
		return nil, err
	}
	return src.GetKline(ctx, symbol, timeframe, limit, before)
}

// GetTicker fetches the latest quote for a (market, symbol)
func (f *Factory) GetTicker(ctx context.Context, market Market, symbol string) (*Ticker, error) {
	src, err := f.Source(market)
	if err != nil {
		return nil, err
	}
	return src.GetTicker(ctx, symbol)
}
