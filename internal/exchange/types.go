package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/quantdesk/quantdesk/internal/symbols"
)

// Order sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Market types
const (
	MarketSpot = "spot"
	MarketSwap = "swap"
)

// Order statuses normalized across venues
const (
	StatusNew       = "new"
	StatusPartial   = "partially_filled"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
	StatusUnknown   = "unknown"
)

// Credential is one stored API credential
type Credential struct {
	ID         string `json:"id"`
	Exchange   string `json:"exchange"`
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	Passphrase string `json:"passphrase,omitempty"`
	Testnet    bool   `json:"testnet"`
}

// OrderResult is the uniform order outcome across venues
type OrderResult struct {
	Venue           string          `json:"venue"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id,omitempty"`
	Filled          float64         `json:"filled"`
	AvgPrice        float64         `json:"avg_price"`
	Fee             float64         `json:"fee"`
	FeeCcy          string          `json:"fee_ccy"`
	Status          string          `json:"status"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Balance is the uniform account balance shape
type Balance struct {
	Available float64 `json:"available"`
	Total     float64 `json:"total"`
	Currency  string  `json:"currency"`
}

// Position is one open position
type Position struct {
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"` // "long" or "short"
	Size           float64 `json:"size"`
	EntryPrice     float64 `json:"entry_price"`
	MarkPrice      float64 `json:"mark_price,omitempty"`
	UnrealizedPnl  float64 `json:"unrealized_pnl,omitempty"`
	Leverage       int     `json:"leverage,omitempty"`
}

// Client is the minimum surface every venue client implements
type Client interface {
	// Name returns the venue identifier
	Name() string

	// Ping verifies connectivity and credentials where applicable
	Ping(ctx context.Context) error

	// GetTicker returns the last traded price for a canonical symbol
	GetTicker(ctx context.Context, symbol, marketType string) (float64, error)

	// PlaceLimitOrder submits a limit order in base quantity
	PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price float64, marketType, clientOrderID string) (*OrderResult, error)

	// PlaceMarketOrder submits a market order in base quantity
	PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, marketType, clientOrderID string) (*OrderResult, error)

	// CancelOrder cancels by exchange order id
	CancelOrder(ctx context.Context, symbol, orderID, marketType string) error

	// GetOrder fetches the current state of an order
	GetOrder(ctx context.Context, symbol, orderID, marketType string) (*OrderResult, error)

	// GetBalance returns the quote-currency balance for a market type
	GetBalance(ctx context.Context, marketType string) (*Balance, error)

	// GetAssetBalance returns the free spot balance of one asset
	GetAssetBalance(ctx context.Context, asset string) (float64, error)

	// GetPositions lists open swap positions, optionally filtered by symbol
	GetPositions(ctx context.Context, symbol string) ([]Position, error)

	// SetLeverage sets swap leverage for a symbol
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// ValidSide reports whether side is buy or sell
func ValidSide(side string) bool {
	s := strings.ToLower(side)
	return s == SideBuy || s == SideSell
}

// canonicalOf normalizes any accepted symbol form to the canonical pair
func canonicalOf(symbol string) string {
	canonical, _ := symbols.Normalize(symbol)
	return canonical
}

// parseFloat converts venue string numerics, tolerating empty input
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// WaitForFill polls an order until it fills, cancels, or maxWait passes.
// The last observed state is returned with a nil error on timeout so
// callers can reconcile partial fills.
func WaitForFill(ctx context.Context, c Client, symbol, orderID, marketType string, maxWait, poll time.Duration) (*OrderResult, error) {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}

	deadline := time.Now().Add(maxWait)
	var last *OrderResult
	for {
		result, err := c.GetOrder(ctx, symbol, orderID, marketType)
		if err == nil {
			last = result
			if result.Status == StatusFilled || result.Status == StatusCancelled || result.Status == StatusRejected {
				return result, nil
			}
		}

		if time.Now().After(deadline) {
			if last != nil {
				return last, nil
			}
			return nil, ErrOrderNotFound
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(poll):
		}
	}
}
