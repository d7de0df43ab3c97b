package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// YahooSource fetches stock, forex and metal quotes from the Yahoo Finance
// chart API. Symbols are passed through the usual Yahoo conventions
// ("AAPL", "EURUSD=X", "GC=F", "^VIX").
type YahooSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewYahooSource creates a Yahoo chart source
func NewYahooSource() *YahooSource {
	return &YahooSource{
		baseURL: "https://query1.finance.yahoo.com/v8/finance/chart",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// yahooChartResponse mirrors the chart API envelope, reduced to the fields used
type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				ChartPreviousClose float64 `json:"chartPreviousClose"`
				Symbol             string  `json:"symbol"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// yahooIntervals maps internal timeframes to Yahoo chart intervals
var yahooIntervals = map[string]string{
	"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "60m", "1d": "1d", "1w": "1wk",
}

// GetKline returns up to limit bars for a Yahoo symbol
func (s *YahooSource) GetKline(ctx context.Context, symbol, timeframe string, limit int, before int64) ([]Bar, error) {
	interval, ok := yahooIntervals[strings.ToLower(timeframe)]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe for yahoo source: %s", timeframe)
	}
	tfSecs, err := TimeframeSeconds(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	end := before
	if end == 0 {
		end = time.Now().UTC().Unix()
	}
	// Pad the window: non-trading days mean the venue returns fewer bars
	// than the calendar span suggests
	start := end - tfSecs*int64(limit)*2

	q := url.Values{}
	q.Set("interval", interval)
	q.Set("period1", fmt.Sprintf("%d", start))
	q.Set("period2", fmt.Sprintf("%d", end))

	var resp yahooChartResponse
	if err := s.get(ctx, symbol, q, &resp); err != nil {
		return nil, err
	}
	if resp.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo chart error for %s: %s", symbol, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("empty yahoo chart response for %s", symbol)
	}

	result := resp.Chart.Result[0]
	quote := result.Indicators.Quote[0]

	bars := make([]Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == nil || quote.Open[i] == nil ||
			quote.High[i] == nil || quote.Low[i] == nil {
			continue
		}
		volume := 0.0
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			volume = *quote.Volume[i]
		}
		bar := Bar{
			Time:   ts,
			Open:   *quote.Open[i],
			High:   *quote.High[i],
			Low:    *quote.Low[i],
			Close:  *quote.Close[i],
			Volume: volume,
		}
		if !bar.Valid() {
			continue
		}
		bars = append(bars, bar)
	}

	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no usable bars for %s %s", symbol, timeframe)
	}
	return bars, nil
}

// GetTicker returns the latest regular-market price
func (s *YahooSource) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	q := url.Values{}
	q.Set("interval", "1d")
	q.Set("range", "5d")

	var resp yahooChartResponse
	if err := s.get(ctx, symbol, q, &resp); err != nil {
		return nil, err
	}
	if resp.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo chart error for %s: %s", symbol, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return nil, fmt.Errorf("empty yahoo chart response for %s", symbol)
	}

	meta := resp.Chart.Result[0].Meta
	if meta.RegularMarketPrice <= 0 {
		return nil, fmt.Errorf("no market price for %s", symbol)
	}

	change := 0.0
	if meta.ChartPreviousClose > 0 {
		change = (meta.RegularMarketPrice - meta.ChartPreviousClose) / meta.ChartPreviousClose * 100
	}

	return &Ticker{
		Symbol:    symbol,
		Last:      meta.RegularMarketPrice,
		Change24h: change,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (s *YahooSource) get(ctx context.Context, symbol string, q url.Values, out interface{}) error {
	reqURL := fmt.Sprintf("%s/%s?%s", s.baseURL, url.PathEscape(symbol), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; quantdesk/1.0)")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("yahoo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read yahoo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Debug().Int("status", resp.StatusCode).Str("symbol", symbol).Msg("Yahoo chart non-200")
		return fmt.Errorf("yahoo chart status %d for %s", resp.StatusCode, symbol)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse yahoo response: %w", err)
	}
	return nil
}
