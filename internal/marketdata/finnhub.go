package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// FinnhubClient fetches structured news, fundamentals and company profiles.
// All methods are safe to call with a zero API key; the venue then rejects
// with 401 and callers degrade gracefully. Requests are paced under the
// free-tier limit of 60 calls per minute.
type FinnhubClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewFinnhubClient creates a Finnhub REST client
func NewFinnhubClient(baseURL, apiKey string) *FinnhubClient {
	if baseURL == "" {
		baseURL = "https://finnhub.io/api/v1"
	}
	return &FinnhubClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 8 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

type finnhubNewsItem struct {
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
	Source   string `json:"source"`
	URL      string `json:"url"`
	Datetime int64  `json:"datetime"`
}

// CompanyNews returns recent news for an equity symbol
func (c *FinnhubClient) CompanyNews(ctx context.Context, symbol string, days int) ([]NewsItem, error) {
	if days <= 0 {
		days = 7
	}
	now := time.Now().UTC()
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("from", now.AddDate(0, 0, -days).Format("2006-01-02"))
	q.Set("to", now.Format("2006-01-02"))

	var items []finnhubNewsItem
	if err := c.get(ctx, "/company-news", q, &items); err != nil {
		return nil, err
	}
	return convertNews(items), nil
}

// GeneralNews returns market-wide news for a category ("general", "crypto", "forex")
func (c *FinnhubClient) GeneralNews(ctx context.Context, category string) ([]NewsItem, error) {
	if category == "" {
		category = "general"
	}
	q := url.Values{}
	q.Set("category", category)

	var items []finnhubNewsItem
	if err := c.get(ctx, "/news", q, &items); err != nil {
		return nil, err
	}
	return convertNews(items), nil
}

type finnhubMetricsResponse struct {
	Metric map[string]float64 `json:"metric"`
}

// Fundamentals returns basic financial metrics for an equity symbol
func (c *FinnhubClient) Fundamentals(ctx context.Context, symbol string) (*Fundamental, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("metric", "all")

	var resp finnhubMetricsResponse
	if err := c.get(ctx, "/stock/metric", q, &resp); err != nil {
		return nil, err
	}
	if len(resp.Metric) == 0 {
		return nil, fmt.Errorf("no fundamentals for %s", symbol)
	}

	return &Fundamental{
		MarketCap:     resp.Metric["marketCapitalization"],
		PERatio:       resp.Metric["peBasicExclExtraTTM"],
		EPS:           resp.Metric["epsBasicExclExtraItemsTTM"],
		DividendYield: resp.Metric["dividendYieldIndicatedAnnual"],
		Week52High:    resp.Metric["52WeekHigh"],
		Week52Low:     resp.Metric["52WeekLow"],
	}, nil
}

type finnhubProfile struct {
	Name     string `json:"name"`
	Industry string `json:"finnhubIndustry"`
	Country  string `json:"country"`
	WebURL   string `json:"weburl"`
	Logo     string `json:"logo"`
}

// Profile returns the company profile for an equity symbol
func (c *FinnhubClient) Profile(ctx context.Context, symbol string) (*CompanyProfile, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	var p finnhubProfile
	if err := c.get(ctx, "/stock/profile2", q, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("no profile for %s", symbol)
	}

	return &CompanyProfile{
		Name:     p.Name,
		Industry: p.Industry,
		Country:  p.Country,
		WebURL:   p.WebURL,
		Logo:     p.Logo,
	}, nil
}

type finnhubCalendarResponse struct {
	EconomicCalendar []struct {
		Event    string   `json:"event"`
		Country  string   `json:"country"`
		Time     string   `json:"time"`
		Impact   string   `json:"impact"`
		Actual   *float64 `json:"actual"`
		Estimate *float64 `json:"estimate"`
		Prev     *float64 `json:"prev"`
		Unit     string   `json:"unit"`
	} `json:"economicCalendar"`
}

// EconomicCalendar returns scheduled economic releases in [from, to]
func (c *FinnhubClient) EconomicCalendar(ctx context.Context, from, to time.Time) ([]EconomicEvent, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format("2006-01-02"))
	q.Set("to", to.UTC().Format("2006-01-02"))

	var resp finnhubCalendarResponse
	if err := c.get(ctx, "/calendar/economic", q, &resp); err != nil {
		return nil, err
	}

	events := make([]EconomicEvent, 0, len(resp.EconomicCalendar))
	for _, e := range resp.EconomicCalendar {
		if e.Event == "" {
			continue
		}
		ev := EconomicEvent{
			Event:   e.Event,
			Country: e.Country,
			Impact:  e.Impact,
			Unit:    e.Unit,
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", e.Time); err == nil {
			ev.Time = ts.UTC()
		}
		if e.Actual != nil {
			ev.Actual = *e.Actual
		}
		if e.Estimate != nil {
			ev.Estimate = *e.Estimate
		}
		if e.Prev != nil {
			ev.Previous = *e.Prev
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *FinnhubClient) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait aborted: %w", err)
	}

	q.Set("token", c.apiKey)
	reqURL := c.baseURL + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("finnhub request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read finnhub response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("finnhub status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse finnhub response: %w", err)
	}
	return nil
}

func convertNews(items []finnhubNewsItem) []NewsItem {
	news := make([]NewsItem, 0, len(items))
	for _, item := range items {
		if item.Headline == "" {
			continue
		}
		news = append(news, NewsItem{
			Title:       item.Headline,
			Summary:     item.Summary,
			Source:      item.Source,
			URL:         item.URL,
			PublishedAt: time.Unix(item.Datetime, 0).UTC(),
		})
	}
	return news
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
