// Package polymarket integrates the Polymarket Gamma API: market listing
// and search, plus the AI analyzer that scores divergence between model
// and market-implied probabilities.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/collector"
)

const (
	defaultGammaURL = "https://gamma-api.polymarket.com"
	marketsCacheKey = "pm:markets"
	marketsCacheTTL = 5 * time.Minute
)

// Market is one prediction market with its implied probability in [0,100]
type Market struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	Slug        string    `json:"slug,omitempty"`
	Category    string    `json:"category,omitempty"`
	Probability float64   `json:"probability"`
	Volume24h   float64   `json:"volume_24h"`
	Liquidity   float64   `json:"liquidity"`
	EndDate     time.Time `json:"end_date,omitempty"`
	Active      bool      `json:"active"`
	URL         string    `json:"url,omitempty"`
}

// Client talks to the Gamma REST API with a short-lived list cache
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *redis.Client
}

// NewClient creates a Gamma API client. cache may be nil.
func NewClient(baseURL string, cache *redis.Client) *Client {
	if baseURL == "" {
		baseURL = defaultGammaURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      cache,
	}
}

// gammaMarket mirrors the wire shape, reduced to the fields used
type gammaMarket struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	Slug          string `json:"slug"`
	Category      string `json:"category"`
	OutcomePrices string `json:"outcomePrices"`
	Volume24hr    any    `json:"volume24hr"`
	Liquidity     any    `json:"liquidity"`
	EndDate       string `json:"endDate"`
	Active        bool   `json:"active"`
	Closed        bool   `json:"closed"`
}

// ListMarkets returns active markets, served from a 5 minute cache
func (c *Client) ListMarkets(ctx context.Context, limit int) ([]Market, error) {
	if limit <= 0 {
		limit = 100
	}

	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, marketsCacheKey).Result(); err == nil {
			var markets []Market
			if json.Unmarshal([]byte(cached), &markets) == nil {
				return markets, nil
			}
		}
	}

	q := url.Values{}
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "volume24hr")
	q.Set("ascending", "false")

	markets, err := c.fetchMarkets(ctx, q)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if data, err := json.Marshal(markets); err == nil {
			if err := c.cache.Set(ctx, marketsCacheKey, data, marketsCacheTTL).Err(); err != nil {
				log.Debug().Err(err).Msg("Polymarket list cache write failed")
			}
		}
	}
	return markets, nil
}

// gammaSearchResponse is the /public-search wire shape, reduced to the
// events and their nested markets
type gammaSearchResponse struct {
	Events []struct {
		Markets []gammaMarket `json:"markets"`
	} `json:"events"`
}

// SearchMarkets runs a free-text query against the Gamma search surface.
// Search always bypasses the list cache so event-driven lookups see
// fresh markets.
func (c *Client) SearchMarkets(ctx context.Context, query string, limit int) ([]Market, error) {
	if limit <= 0 {
		limit = 20
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("events_status", "active")
	q.Set("limit_per_type", strconv.Itoa(limit))

	var resp gammaSearchResponse
	if err := c.get(ctx, "/public-search", q, &resp); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var markets []Market
	for _, ev := range resp.Events {
		for _, gm := range ev.Markets {
			if gm.Closed || gm.Question == "" || seen[gm.ID] {
				continue
			}
			seen[gm.ID] = true
			markets = append(markets, convertMarket(gm))
			if len(markets) >= limit {
				return markets, nil
			}
		}
	}
	return markets, nil
}

// GetMarket fetches one market by id
func (c *Client) GetMarket(ctx context.Context, id string) (*Market, error) {
	var gm gammaMarket
	if err := c.get(ctx, "/markets/"+url.PathEscape(id), nil, &gm); err != nil {
		return nil, err
	}
	if gm.ID == "" {
		return nil, fmt.Errorf("market not found: %s", id)
	}
	m := convertMarket(gm)
	return &m, nil
}

// SearchEvents implements the collector's event interface: each keyword
// runs a search and results merge with per-market dedupe
func (c *Client) SearchEvents(ctx context.Context, keywords []string) ([]collector.Event, error) {
	seen := make(map[string]bool)
	var events []collector.Event

	for _, kw := range keywords {
		markets, err := c.SearchMarkets(ctx, kw, 10)
		if err != nil {
			if len(events) > 0 {
				break
			}
			return nil, err
		}
		for _, m := range markets {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			ev := collector.Event{
				MarketID:    m.ID,
				Question:    m.Question,
				Probability: m.Probability,
				Volume24h:   m.Volume24h,
			}
			if !m.EndDate.IsZero() {
				ev.EndDate = m.EndDate.Format("2006-01-02")
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func (c *Client) fetchMarkets(ctx context.Context, q url.Values) ([]Market, error) {
	var raw []gammaMarket
	if err := c.get(ctx, "/markets", q, &raw); err != nil {
		return nil, err
	}

	markets := make([]Market, 0, len(raw))
	for _, gm := range raw {
		if gm.Closed || gm.Question == "" {
			continue
		}
		markets = append(markets, convertMarket(gm))
	}
	return markets, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	reqURL := c.baseURL + path
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gamma request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gamma response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gamma status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse gamma response: %w", err)
	}
	return nil
}

// convertMarket derives the probability from the first outcome price and
// builds the public URL. Numeric slugs are treated as missing because the
// site routes those through the id form instead.
func convertMarket(gm gammaMarket) Market {
	m := Market{
		ID:        gm.ID,
		Question:  gm.Question,
		Slug:      gm.Slug,
		Category:  gm.Category,
		Active:    gm.Active,
		Volume24h: asFloat(gm.Volume24hr),
		Liquidity: asFloat(gm.Liquidity),
	}

	if isNumeric(m.Slug) {
		m.Slug = ""
	}
	if m.Slug != "" {
		m.URL = "https://polymarket.com/event/" + m.Slug
	} else {
		m.URL = "https://polymarket.com/markets/" + m.ID
	}

	if gm.EndDate != "" {
		if ts, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			m.EndDate = ts
		}
	}

	// outcomePrices is a JSON-encoded string array like ["0.45","0.55"]
	var prices []string
	if err := json.Unmarshal([]byte(gm.OutcomePrices), &prices); err == nil && len(prices) > 0 {
		if p, err := strconv.ParseFloat(prices[0], 64); err == nil {
			m.Probability = p * 100
		}
	}
	return m
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
