package macro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// FearGreedClient reads the crypto Fear & Greed index from alternative.me
type FearGreedClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFearGreedClient creates a Fear & Greed client
func NewFearGreedClient(baseURL string) *FearGreedClient {
	if baseURL == "" {
		baseURL = "https://api.alternative.me"
	}
	return &FearGreedClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type fearGreedResponse struct {
	Data []struct {
		Value               string `json:"value"`
		ValueClassification string `json:"value_classification"`
	} `json:"data"`
}

// Latest returns the current index value in [0,100] and its label
func (c *FearGreedClient) Latest(ctx context.Context) (float64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fng/?limit=1", nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("fear & greed request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read fear & greed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("fear & greed status %d", resp.StatusCode)
	}

	var parsed fearGreedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, "", fmt.Errorf("failed to parse fear & greed response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return 0, "", fmt.Errorf("empty fear & greed response")
	}

	value, err := strconv.ParseFloat(parsed.Data[0].Value, 64)
	if err != nil {
		return 0, "", fmt.Errorf("bad fear & greed value %q: %w", parsed.Data[0].Value, err)
	}
	return value, parsed.Data[0].ValueClassification, nil
}
