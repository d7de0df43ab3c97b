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

const (
	bybitMainnet    = "https://api.bybit.com"
	bybitTestnet    = "https://api-testnet.bybit.com"
	bybitRecvWindow = "5000"
)

// BybitClient is a hand-signed v5 unified-account client
type BybitClient struct {
	rest    *restClient
	apiKey  string
	secret  string
	filters *FilterCache
}

// NewBybitClient builds a client from a stored credential
func NewBybitClient(cred Credential) *BybitClient {
	base := bybitMainnet
	if cred.Testnet {
		base = bybitTestnet
	}
	return &BybitClient{
		rest:    newRESTClient(symbols.VenueBybit, base),
		apiKey:  cred.APIKey,
		secret:  cred.SecretKey,
		filters: NewFilterCache(),
	}
}

func (c *BybitClient) Name() string { return symbols.VenueBybit }

// bybitEnvelope is the v5 response wrapper
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// signedGet signs the query string as the prehash payload
func (c *BybitClient) signedGet(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	query := params.Encode()
	ts := timestampMs()
	headers := map[string]string{
		"X-BAPI-API-KEY":     c.apiKey,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": bybitRecvWindow,
		"X-BAPI-SIGN":        signHex(c.secret, ts+c.apiKey+bybitRecvWindow+query),
	}
	fullPath := path
	if query != "" {
		fullPath += "?" + query
	}
	raw, err := c.rest.do(ctx, http.MethodGet, fullPath, headers, "")
	if err != nil {
		return nil, err
	}
	return c.unwrap(raw)
}

// signedPost marshals the body once and signs those exact bytes
func (c *BybitClient) signedPost(ctx context.Context, path string, body map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	ts := timestampMs()
	headers := map[string]string{
		"X-BAPI-API-KEY":     c.apiKey,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": bybitRecvWindow,
		"X-BAPI-SIGN":        signHex(c.secret, ts+c.apiKey+bybitRecvWindow+string(payload)),
		"Content-Type":       "application/json",
	}
	raw, err := c.rest.do(ctx, http.MethodPost, path, headers, string(payload))
	if err != nil {
		return nil, err
	}
	return c.unwrap(raw)
}

func (c *BybitClient) unwrap(raw []byte) (json.RawMessage, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("bybit response decode: %w", err)
	}
	if env.RetCode != 0 {
		return nil, &VenueBusinessError{Venue: symbols.VenueBybit, Code: fmt.Sprint(env.RetCode), Message: env.RetMsg}
	}
	return env.Result, nil
}

func bybitCategory(marketType string) string {
	if marketType == MarketSwap {
		return "linear"
	}
	return "spot"
}

func (c *BybitClient) Ping(ctx context.Context) error {
	_, err := c.rest.do(ctx, http.MethodGet, "/v5/market/time", nil, "")
	return err
}

func (c *BybitClient) GetTicker(ctx context.Context, symbol, marketType string) (float64, error) {
	wire := symbols.Project(symbol, symbols.VenueBybit, marketType)
	if wire == "" {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	params := url.Values{}
	params.Set("category", bybitCategory(marketType))
	params.Set("symbol", wire)

	raw, err := c.rest.do(ctx, http.MethodGet, "/v5/market/tickers?"+params.Encode(), nil, "")
	if err != nil {
		return 0, err
	}
	result, err := c.unwrap(raw)
	if err != nil {
		return 0, err
	}

	var body struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return 0, fmt.Errorf("bybit ticker decode: %w", err)
	}
	if len(body.List) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return parseFloat(body.List[0].LastPrice), nil
}

// symbolFilters reads lotSizeFilter.qtyStep and priceFilter.tickSize from
// instruments-info
func (c *BybitClient) symbolFilters(ctx context.Context, wire, marketType string) (SymbolFilters, error) {
	key := marketType + ":" + wire
	if f, ok := c.filters.Get(key); ok {
		return f, nil
	}

	params := url.Values{}
	params.Set("category", bybitCategory(marketType))
	params.Set("symbol", wire)
	raw, err := c.rest.do(ctx, http.MethodGet, "/v5/market/instruments-info?"+params.Encode(), nil, "")
	if err != nil {
		return SymbolFilters{}, err
	}
	result, err := c.unwrap(raw)
	if err != nil {
		return SymbolFilters{}, err
	}

	var body struct {
		List []struct {
			LotSizeFilter struct {
				QtyStep       string `json:"qtyStep"`
				BasePrecision string `json:"basePrecision"`
				MinOrderQty   string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
				MinPrice string `json:"minPrice"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return SymbolFilters{}, fmt.Errorf("bybit instruments decode: %w", err)
	}
	if len(body.List) == 0 {
		return SymbolFilters{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, wire)
	}

	inst := body.List[0]
	step := inst.LotSizeFilter.QtyStep
	if step == "" {
		// Spot instruments publish basePrecision instead of qtyStep
		step = inst.LotSizeFilter.BasePrecision
	}
	filters := SymbolFilters{
		StepSize: ParseStep(step),
		TickSize: ParseStep(inst.PriceFilter.TickSize),
		MinQty:   ParseStep(inst.LotSizeFilter.MinOrderQty),
		MinPrice: ParseStep(inst.PriceFilter.MinPrice),
	}
	c.filters.Set(key, filters)
	return filters, nil
}

func (c *BybitClient) PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueBybit, marketType)
	if wire == "" {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	filters, err := c.symbolFilters(ctx, wire, marketType)
	if err != nil {
		return nil, err
	}
	qtyStr, err := FormatQuantity(quantity, filters)
	if err != nil {
		return nil, err
	}
	priceStr, err := FormatPrice(price, filters)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"category":    bybitCategory(marketType),
		"symbol":      wire,
		"side":        bybitSide(side),
		"orderType":   "Limit",
		"qty":         qtyStr,
		"price":       priceStr,
		"timeInForce": "GTC",
	}
	if clientOrderID != "" {
		body["orderLinkId"] = clientOrderID
	}
	return c.submitOrder(ctx, wire, marketType, clientOrderID, body)
}

func (c *BybitClient) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueBybit, marketType)
	if wire == "" {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	filters, err := c.symbolFilters(ctx, wire, marketType)
	if err != nil {
		return nil, err
	}
	qtyStr, err := FormatQuantity(quantity, filters)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"category":  bybitCategory(marketType),
		"symbol":    wire,
		"side":      bybitSide(side),
		"orderType": "Market",
		"qty":       qtyStr,
	}
	if marketType == MarketSpot {
		// Keep market quantity in base units, not quote
		body["marketUnit"] = "baseCoin"
	}
	if clientOrderID != "" {
		body["orderLinkId"] = clientOrderID
	}
	return c.submitOrder(ctx, wire, marketType, clientOrderID, body)
}

func (c *BybitClient) submitOrder(ctx context.Context, wire, marketType, clientOrderID string, body map[string]interface{}) (*OrderResult, error) {
	result, err := c.signedPost(ctx, "/v5/order/create", body)
	if err != nil {
		return nil, err
	}
	var created struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &created); err != nil {
		return nil, fmt.Errorf("bybit order decode: %w", err)
	}

	// The create call returns only ids, so read back the live state
	order, err := c.GetOrder(ctx, symbols.ParseWire(wire, symbols.VenueBybit), created.OrderID, marketType)
	if err != nil {
		log.Debug().Err(err).Str("order_id", created.OrderID).Msg("bybit order readback failed")
		return &OrderResult{
			Venue:           symbols.VenueBybit,
			ExchangeOrderID: created.OrderID,
			ClientOrderID:   clientOrderID,
			Status:          StatusNew,
		}, nil
	}
	return order, nil
}

func (c *BybitClient) CancelOrder(ctx context.Context, symbol, orderID, marketType string) error {
	wire := symbols.Project(symbol, symbols.VenueBybit, marketType)
	_, err := c.signedPost(ctx, "/v5/order/cancel", map[string]interface{}{
		"category": bybitCategory(marketType),
		"symbol":   wire,
		"orderId":  orderID,
	})
	return err
}

func (c *BybitClient) GetOrder(ctx context.Context, symbol, orderID, marketType string) (*OrderResult, error) {
	wire := symbols.Project(symbol, symbols.VenueBybit, marketType)
	params := url.Values{}
	params.Set("category", bybitCategory(marketType))
	params.Set("symbol", wire)
	params.Set("orderId", orderID)

	result, err := c.signedGet(ctx, "/v5/order/realtime", params)
	if err != nil {
		return nil, err
	}
	var body struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			CumExecFee  string `json:"cumExecFee"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("bybit order decode: %w", err)
	}
	if len(body.List) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	o := body.List[0]
	result2 := &OrderResult{
		Venue:           symbols.VenueBybit,
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.OrderLinkID,
		Filled:          parseFloat(o.CumExecQty),
		AvgPrice:        parseFloat(o.AvgPrice),
		Status:          normalizeBybitStatus(o.OrderStatus),
	}
	if result2.Filled > 0 {
		// cumExecFee is denominated in the fee currency of the fill side
		result2.Fee = parseFloat(o.CumExecFee)
		if result2.Fee > 0 {
			result2.FeeCcy = symbols.Quote(symbols.ParseWire(wire, symbols.VenueBybit))
		}
	}
	return result2, nil
}

func (c *BybitClient) GetBalance(ctx context.Context, marketType string) (*Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	result, err := c.signedGet(ctx, "/v5/account/wallet-balance", params)
	if err != nil {
		return nil, err
	}

	var body struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
				WalletBalance       string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("bybit balance decode: %w", err)
	}
	for _, account := range body.List {
		for _, coin := range account.Coin {
			if coin.Coin == "USDT" {
				available := parseFloat(coin.AvailableToWithdraw)
				total := parseFloat(coin.WalletBalance)
				if available == 0 && total > 0 {
					available = total
				}
				return &Balance{Available: available, Total: total, Currency: "USDT"}, nil
			}
		}
	}
	return &Balance{Currency: "USDT"}, nil
}

// GetAssetBalance returns the free spot balance of one asset
func (c *BybitClient) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	params.Set("coin", asset)
	result, err := c.signedGet(ctx, "/v5/account/wallet-balance", params)
	if err != nil {
		return 0, err
	}

	var body struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
				WalletBalance       string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return 0, fmt.Errorf("bybit balance decode: %w", err)
	}
	for _, account := range body.List {
		for _, coin := range account.Coin {
			if coin.Coin == asset {
				available := parseFloat(coin.AvailableToWithdraw)
				if available == 0 {
					available = parseFloat(coin.WalletBalance)
				}
				return available, nil
			}
		}
	}
	return 0, nil
}

func (c *BybitClient) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := url.Values{}
	params.Set("category", "linear")
	if symbol != "" {
		if wire := symbols.Project(symbol, symbols.VenueBybit, MarketSwap); wire != "" {
			params.Set("symbol", wire)
		}
	} else {
		params.Set("settleCoin", "USDT")
	}

	result, err := c.signedGet(ctx, "/v5/position/list", params)
	if err != nil {
		return nil, err
	}
	var body struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("bybit positions decode: %w", err)
	}

	var out []Position
	for _, p := range body.List {
		size := parseFloat(p.Size)
		if size == 0 {
			continue
		}
		side := "long"
		if p.Side == "Sell" {
			side = "short"
		}
		out = append(out, Position{
			Symbol:        symbols.ParseWire(p.Symbol, symbols.VenueBybit),
			Side:          side,
			Size:          size,
			EntryPrice:    parseFloat(p.AvgPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnl: parseFloat(p.UnrealisedPnl),
			Leverage:      int(parseFloat(p.Leverage)),
		})
	}
	return out, nil
}

func (c *BybitClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	wire := symbols.Project(symbol, symbols.VenueBybit, MarketSwap)
	if wire == "" {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	lev := fmt.Sprintf("%d", leverage)
	_, err := c.signedPost(ctx, "/v5/position/set-leverage", map[string]interface{}{
		"category":     "linear",
		"symbol":       wire,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	})
	if err != nil {
		// Bybit rejects setting leverage to its current value
		var business *VenueBusinessError
		if asBusiness(err, &business) && business.Code == "110043" {
			return nil
		}
		return err
	}
	return nil
}

func bybitSide(side string) string {
	if side == SideSell {
		return "Sell"
	}
	return "Buy"
}

func normalizeBybitStatus(status string) string {
	switch status {
	case "New", "Created", "Untriggered":
		return StatusNew
	case "PartiallyFilled":
		return StatusPartial
	case "Filled":
		return StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return StatusCancelled
	case "Rejected":
		return StatusRejected
	default:
		return StatusUnknown
	}
}
