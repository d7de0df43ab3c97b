package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/symbols"
)

const mexcBaseURL = "https://api.mexc.com"

// MEXCClient speaks the Binance-compatible spot v3 API: the sorted,
// urlencoded query string is the signing payload. The futures API uses
// separate key provisioning, so swap operations are not supported.
type MEXCClient struct {
	rest    *restClient
	apiKey  string
	secret  string
	filters *FilterCache
}

// NewMEXCClient builds a client from a stored credential
func NewMEXCClient(cred Credential) *MEXCClient {
	return &MEXCClient{
		rest:    newRESTClient(symbols.VenueMEXC, mexcBaseURL),
		apiKey:  cred.APIKey,
		secret:  cred.SecretKey,
		filters: NewFilterCache(),
	}
}

func (c *MEXCClient) Name() string { return symbols.VenueMEXC }

// signedQuery appends timestamp and signature to the params. url.Values
// encodes keys in sorted order, which is exactly the signing contract.
func (c *MEXCClient) signedQuery(params url.Values) string {
	params.Set("timestamp", timestampMs())
	query := params.Encode()
	return query + "&signature=" + signHex(c.secret, query)
}

func (c *MEXCClient) signed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	headers := map[string]string{"X-MEXC-APIKEY": c.apiKey}
	return c.rest.do(ctx, method, path+"?"+c.signedQuery(params), headers, "")
}

func (c *MEXCClient) Ping(ctx context.Context) error {
	_, err := c.rest.do(ctx, http.MethodGet, "/api/v3/ping", nil, "")
	return err
}

func (c *MEXCClient) GetTicker(ctx context.Context, symbol, marketType string) (float64, error) {
	if marketType == MarketSwap {
		return 0, fmt.Errorf("%w: mexc swap", ErrUnsupportedOperation)
	}
	wire := symbols.Project(symbol, symbols.VenueMEXC, marketType)
	if wire == "" {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	raw, err := c.rest.do(ctx, http.MethodGet, "/api/v3/ticker/price?symbol="+url.QueryEscape(wire), nil, "")
	if err != nil {
		return 0, err
	}
	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(raw, &ticker); err != nil {
		return 0, fmt.Errorf("mexc ticker decode: %w", err)
	}
	return parseFloat(ticker.Price), nil
}

// symbolFilters derives steps from MEXC's precision fields
func (c *MEXCClient) symbolFilters(ctx context.Context, wire string) (SymbolFilters, error) {
	if f, ok := c.filters.Get(wire); ok {
		return f, nil
	}

	raw, err := c.rest.do(ctx, http.MethodGet, "/api/v3/exchangeInfo?symbol="+url.QueryEscape(wire), nil, "")
	if err != nil {
		return SymbolFilters{}, err
	}
	var info struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			BaseSizePrecision string `json:"baseSizePrecision"`
			QuotePrecision    int    `json:"quotePrecision"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return SymbolFilters{}, fmt.Errorf("mexc exchange info decode: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != wire {
			continue
		}
		filters := SymbolFilters{
			StepSize: ParseStep(s.BaseSizePrecision),
			TickSize: StepFromScale(s.QuotePrecision),
			MinQty:   ParseStep(s.BaseSizePrecision),
		}
		c.filters.Set(wire, filters)
		return filters, nil
	}
	return SymbolFilters{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, wire)
}

func (c *MEXCClient) PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price float64, marketType, clientOrderID string) (*OrderResult, error) {
	if marketType == MarketSwap {
		return nil, fmt.Errorf("%w: mexc swap", ErrUnsupportedOperation)
	}
	return c.placeOrder(ctx, symbol, side, "LIMIT", quantity, price, clientOrderID)
}

func (c *MEXCClient) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, marketType, clientOrderID string) (*OrderResult, error) {
	if marketType == MarketSwap {
		return nil, fmt.Errorf("%w: mexc swap", ErrUnsupportedOperation)
	}
	return c.placeOrder(ctx, symbol, side, "MARKET", quantity, 0, clientOrderID)
}

func (c *MEXCClient) placeOrder(ctx context.Context, symbol, side, orderType string, quantity, price float64, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueMEXC, MarketSpot)
	if wire == "" {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	filters, err := c.symbolFilters(ctx, wire)
	if err != nil {
		return nil, err
	}
	qtyStr, err := FormatQuantity(quantity, filters)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("side", mexcSide(side))
	params.Set("type", orderType)
	params.Set("quantity", qtyStr)
	if orderType == "LIMIT" {
		priceStr, err := FormatPrice(price, filters)
		if err != nil {
			return nil, err
		}
		params.Set("price", priceStr)
	}
	if clientOrderID != "" {
		params.Set("newClientOrderId", clientOrderID)
	}

	raw, err := c.signed(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("mexc order decode: %w", err)
	}

	order, err := c.GetOrder(ctx, symbol, created.OrderID, MarketSpot)
	if err != nil {
		log.Debug().Err(err).Str("order_id", created.OrderID).Msg("mexc order readback failed")
		return &OrderResult{
			Venue:           symbols.VenueMEXC,
			ExchangeOrderID: created.OrderID,
			ClientOrderID:   clientOrderID,
			Status:          StatusNew,
		}, nil
	}
	return order, nil
}

func (c *MEXCClient) CancelOrder(ctx context.Context, symbol, orderID, marketType string) error {
	if marketType == MarketSwap {
		return fmt.Errorf("%w: mexc swap", ErrUnsupportedOperation)
	}
	wire := symbols.Project(symbol, symbols.VenueMEXC, MarketSpot)
	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("orderId", orderID)
	_, err := c.signed(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

func (c *MEXCClient) GetOrder(ctx context.Context, symbol, orderID, marketType string) (*OrderResult, error) {
	if marketType == MarketSwap {
		return nil, fmt.Errorf("%w: mexc swap", ErrUnsupportedOperation)
	}
	wire := symbols.Project(symbol, symbols.VenueMEXC, MarketSpot)
	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("orderId", orderID)

	raw, err := c.signed(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	var o struct {
		OrderID             string `json:"orderId"`
		ClientOrderID       string `json:"clientOrderId"`
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("mexc order decode: %w", err)
	}
	if o.OrderID == "" {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	filled := parseFloat(o.ExecutedQty)
	result := &OrderResult{
		Venue:           symbols.VenueMEXC,
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Filled:          filled,
		Status:          normalizeBinanceStatus(o.Status),
	}
	if filled > 0 {
		result.AvgPrice = parseFloat(o.CummulativeQuoteQty) / filled
		result.Fee, result.FeeCcy = c.fees(ctx, wire, orderID)
	}
	return result, nil
}

// fees sums myTrades commissions, best effort
func (c *MEXCClient) fees(ctx context.Context, wire, orderID string) (float64, string) {
	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("orderId", orderID)
	raw, err := c.signed(ctx, http.MethodGet, "/api/v3/myTrades", params)
	if err != nil {
		log.Debug().Err(err).Str("symbol", wire).Msg("mexc fee lookup failed")
		return 0, ""
	}
	var trades []struct {
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	}
	if err := json.Unmarshal(raw, &trades); err != nil {
		return 0, ""
	}
	var total float64
	var ccy string
	for _, t := range trades {
		total += parseFloat(t.Commission)
		if ccy == "" {
			ccy = t.CommissionAsset
		}
	}
	return total, ccy
}

func (c *MEXCClient) GetBalance(ctx context.Context, marketType string) (*Balance, error) {
	if marketType == MarketSwap {
		return nil, fmt.Errorf("%w: mexc swap", ErrUnsupportedOperation)
	}
	raw, err := c.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, fmt.Errorf("mexc balance decode: %w", err)
	}
	for _, b := range account.Balances {
		if b.Asset == "USDT" {
			free := parseFloat(b.Free)
			return &Balance{
				Available: free,
				Total:     free + parseFloat(b.Locked),
				Currency:  "USDT",
			}, nil
		}
	}
	return &Balance{Currency: "USDT"}, nil
}

// GetAssetBalance returns the free spot balance of one asset
func (c *MEXCClient) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	raw, err := c.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return 0, err
	}
	var account struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return 0, fmt.Errorf("mexc balance decode: %w", err)
	}
	for _, b := range account.Balances {
		if b.Asset == asset {
			return parseFloat(b.Free), nil
		}
	}
	return 0, nil
}

func (c *MEXCClient) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	return nil, fmt.Errorf("%w: mexc swap", ErrUnsupportedOperation)
}

func (c *MEXCClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return fmt.Errorf("%w: mexc swap", ErrUnsupportedOperation)
}

func mexcSide(side string) string {
	if side == SideSell {
		return "SELL"
	}
	return "BUY"
}
