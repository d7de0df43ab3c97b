// Package marketdata provides uniform kline, ticker, news and fundamentals
// access across crypto venues and traditional-market providers.
package marketdata

import (
	"fmt"
	"strings"
	"time"
)

// Market identifies which asset universe a symbol belongs to
type Market string

const (
	MarketCrypto Market = "Crypto"
	MarketStock  Market = "Stock"
	MarketForex  Market = "Forex"
	MarketMetal  Market = "Metal"
)

// Bar is a single OHLCV candle. Time is UTC seconds.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Valid checks the OHLCV invariants: low <= open,close <= high, volume >= 0
func (b Bar) Valid() bool {
	if b.Volume < 0 {
		return false
	}
	if b.Low > b.Open || b.Low > b.Close {
		return false
	}
	if b.High < b.Open || b.High < b.Close {
		return false
	}
	return true
}

// Ticker is a point-in-time price quote
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Change24h float64   `json:"change_24h,omitempty"` // percent
	Timestamp time.Time `json:"timestamp"`
}

// NewsItem is a single headline with source attribution
type NewsItem struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	Source      string    `json:"source"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// EconomicEvent is one scheduled macro release
type EconomicEvent struct {
	Event    string    `json:"event"`
	Country  string    `json:"country,omitempty"`
	Time     time.Time `json:"time"`
	Impact   string    `json:"impact,omitempty"`
	Actual   float64   `json:"actual,omitempty"`
	Estimate float64   `json:"estimate,omitempty"`
	Previous float64   `json:"previous,omitempty"`
	Unit     string    `json:"unit,omitempty"`
}

// Fundamental carries market-dependent fundamental readings
type Fundamental struct {
	MarketCap     float64 `json:"market_cap,omitempty"`
	PERatio       float64 `json:"pe_ratio,omitempty"`
	EPS           float64 `json:"eps,omitempty"`
	DividendYield float64 `json:"dividend_yield,omitempty"`
	Week52High    float64 `json:"week_52_high,omitempty"`
	Week52Low     float64 `json:"week_52_low,omitempty"`
}

// CompanyProfile describes the issuer behind an equity symbol
type CompanyProfile struct {
	Name     string `json:"name"`
	Industry string `json:"industry,omitempty"`
	Country  string `json:"country,omitempty"`
	WebURL   string `json:"web_url,omitempty"`
	Logo     string `json:"logo,omitempty"`
}

// timeframeSeconds maps supported timeframes to bar duration in seconds
var timeframeSeconds = map[string]int64{
	"1m": 60, "3m": 180, "5m": 300, "15m": 900, "30m": 1800,
	"1h": 3600, "2h": 7200, "4h": 14400, "6h": 21600, "12h": 43200,
	"1d": 86400, "1w": 604800,
}

// TimeframeSeconds returns the duration of one bar for a timeframe string.
// Accepts upper or lower case ("1D" and "1d" are equivalent).
func TimeframeSeconds(timeframe string) (int64, error) {
	secs, ok := timeframeSeconds[strings.ToLower(timeframe)]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	return secs, nil
}

// TimeframeDuration returns the bar duration as time.Duration
func TimeframeDuration(timeframe string) (time.Duration, error) {
	secs, err := TimeframeSeconds(timeframe)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}
