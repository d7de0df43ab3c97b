package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/symbols"
)

const (
	bitgetBaseURL     = "https://api.bitget.com"
	bitgetProductType = "umcbl"
	bitgetMarginCoin  = "USDT"
)

// BitgetClient signs timestamp + METHOD + path + body with HMAC-SHA256 and
// sends it base64 encoded. Spot uses the _SPBL suffix, USDT perpetuals the
// _UMCBL suffix.
type BitgetClient struct {
	rest       *restClient
	apiKey     string
	secret     string
	passphrase string
	filters    *FilterCache
}

// NewBitgetClient builds a client from a stored credential
func NewBitgetClient(cred Credential) *BitgetClient {
	return &BitgetClient{
		rest:       newRESTClient(symbols.VenueBitget, bitgetBaseURL),
		apiKey:     cred.APIKey,
		secret:     cred.SecretKey,
		passphrase: cred.Passphrase,
		filters:    NewFilterCache(),
	}
}

func (c *BitgetClient) Name() string { return symbols.VenueBitget }

type bitgetEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// signed hashes the exact body string that goes on the wire
func (c *BitgetClient) signed(ctx context.Context, method, pathWithQuery, body string) (json.RawMessage, error) {
	ts := timestampMs()
	headers := map[string]string{
		"ACCESS-KEY":        c.apiKey,
		"ACCESS-SIGN":       signBase64(c.secret, ts+method+pathWithQuery+body),
		"ACCESS-TIMESTAMP":  ts,
		"ACCESS-PASSPHRASE": c.passphrase,
		"Content-Type":      "application/json",
		"locale":            "en-US",
	}
	raw, err := c.rest.do(ctx, method, pathWithQuery, headers, body)
	if err != nil {
		return nil, err
	}
	return c.unwrap(raw)
}

func (c *BitgetClient) public(ctx context.Context, pathWithQuery string) (json.RawMessage, error) {
	raw, err := c.rest.do(ctx, http.MethodGet, pathWithQuery, nil, "")
	if err != nil {
		return nil, err
	}
	return c.unwrap(raw)
}

func (c *BitgetClient) unwrap(raw []byte) (json.RawMessage, error) {
	var env bitgetEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("bitget response decode: %w", err)
	}
	if env.Code != "00000" && env.Code != "" {
		return nil, &VenueBusinessError{Venue: symbols.VenueBitget, Code: env.Code, Message: env.Msg}
	}
	return env.Data, nil
}

func (c *BitgetClient) Ping(ctx context.Context) error {
	_, err := c.rest.do(ctx, http.MethodGet, "/api/spot/v1/public/time", nil, "")
	return err
}

func (c *BitgetClient) GetTicker(ctx context.Context, symbol, marketType string) (float64, error) {
	wire := symbols.Project(symbol, symbols.VenueBitget, marketType)
	if wire == "" {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	if marketType == MarketSwap {
		data, err := c.public(ctx, "/api/mix/v1/market/ticker?symbol="+url.QueryEscape(wire))
		if err != nil {
			return 0, err
		}
		var ticker struct {
			Last string `json:"last"`
		}
		if err := json.Unmarshal(data, &ticker); err != nil {
			return 0, fmt.Errorf("bitget ticker decode: %w", err)
		}
		return parseFloat(ticker.Last), nil
	}

	data, err := c.public(ctx, "/api/spot/v1/market/ticker?symbol="+url.QueryEscape(wire))
	if err != nil {
		return 0, err
	}
	var ticker struct {
		Close string `json:"close"`
	}
	if err := json.Unmarshal(data, &ticker); err != nil {
		return 0, fmt.Errorf("bitget ticker decode: %w", err)
	}
	return parseFloat(ticker.Close), nil
}

// symbolFilters derives steps from Bitget's scale fields: quantityScale
// and priceScale for spot, volumePlace and pricePlace for perpetuals
func (c *BitgetClient) symbolFilters(ctx context.Context, wire, marketType string) (SymbolFilters, error) {
	key := marketType + ":" + wire
	if f, ok := c.filters.Get(key); ok {
		return f, nil
	}

	if marketType == MarketSwap {
		data, err := c.public(ctx, "/api/mix/v1/market/contracts?productType="+bitgetProductType)
		if err != nil {
			return SymbolFilters{}, err
		}
		var contracts []struct {
			Symbol      string `json:"symbol"`
			VolumePlace string `json:"volumePlace"`
			PricePlace  string `json:"pricePlace"`
			MinTradeNum string `json:"minTradeNum"`
		}
		if err := json.Unmarshal(data, &contracts); err != nil {
			return SymbolFilters{}, fmt.Errorf("bitget contracts decode: %w", err)
		}
		for _, contract := range contracts {
			if contract.Symbol != wire {
				continue
			}
			filters := SymbolFilters{
				StepSize: StepFromScale(int(parseFloat(contract.VolumePlace))),
				TickSize: StepFromScale(int(parseFloat(contract.PricePlace))),
				MinQty:   ParseStep(contract.MinTradeNum),
			}
			c.filters.Set(key, filters)
			return filters, nil
		}
		return SymbolFilters{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, wire)
	}

	data, err := c.public(ctx, "/api/spot/v1/public/products")
	if err != nil {
		return SymbolFilters{}, err
	}
	var products []struct {
		Symbol         string `json:"symbol"`
		QuantityScale  string `json:"quantityScale"`
		PriceScale     string `json:"priceScale"`
		MinTradeAmount string `json:"minTradeAmount"`
	}
	if err := json.Unmarshal(data, &products); err != nil {
		return SymbolFilters{}, fmt.Errorf("bitget products decode: %w", err)
	}
	for _, product := range products {
		if product.Symbol != wire {
			continue
		}
		filters := SymbolFilters{
			StepSize: StepFromScale(int(parseFloat(product.QuantityScale))),
			TickSize: StepFromScale(int(parseFloat(product.PriceScale))),
			MinQty:   ParseStep(product.MinTradeAmount),
		}
		c.filters.Set(key, filters)
		return filters, nil
	}
	return SymbolFilters{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, wire)
}

func (c *BitgetClient) PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueBitget, marketType)
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

	if marketType == MarketSwap {
		return c.placeMixOrder(ctx, wire, side, "limit", qtyStr, priceStr, clientOrderID)
	}
	return c.placeSpotOrder(ctx, wire, side, "limit", qtyStr, priceStr, clientOrderID)
}

func (c *BitgetClient) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueBitget, marketType)
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

	if marketType == MarketSwap {
		return c.placeMixOrder(ctx, wire, side, "market", qtyStr, "", clientOrderID)
	}
	return c.placeSpotOrder(ctx, wire, side, "market", qtyStr, "", clientOrderID)
}

func (c *BitgetClient) placeSpotOrder(ctx context.Context, wire, side, orderType, qty, price, clientOrderID string) (*OrderResult, error) {
	body := map[string]string{
		"symbol":    wire,
		"side":      side,
		"orderType": orderType,
		"force":     "normal",
		"quantity":  qty,
	}
	if price != "" {
		body["price"] = price
	}
	if clientOrderID != "" {
		body["clientOrderId"] = clientOrderID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	data, err := c.signed(ctx, http.MethodPost, "/api/spot/v1/trade/orders", string(payload))
	if err != nil {
		return nil, err
	}
	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("bitget order decode: %w", err)
	}

	order, err := c.getSpotOrder(ctx, wire, created.OrderID)
	if err != nil {
		log.Debug().Err(err).Str("order_id", created.OrderID).Msg("bitget order readback failed")
		return &OrderResult{
			Venue:           symbols.VenueBitget,
			ExchangeOrderID: created.OrderID,
			ClientOrderID:   clientOrderID,
			Status:          StatusNew,
		}, nil
	}
	return order, nil
}

// placeMixOrder resolves open vs close against the live position: a sell
// that reduces an existing long is a close_long, not a fresh short
func (c *BitgetClient) placeMixOrder(ctx context.Context, wire, side, orderType, qty, price, clientOrderID string) (*OrderResult, error) {
	body := map[string]string{
		"symbol":     wire,
		"marginCoin": bitgetMarginCoin,
		"side":       c.mixSide(ctx, wire, side),
		"orderType":  orderType,
		"size":       qty,
	}
	if price != "" {
		body["price"] = price
	}
	if clientOrderID != "" {
		body["clientOid"] = clientOrderID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	data, err := c.signed(ctx, http.MethodPost, "/api/mix/v1/order/placeOrder", string(payload))
	if err != nil {
		return nil, err
	}
	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("bitget order decode: %w", err)
	}

	order, err := c.getMixOrder(ctx, wire, created.OrderID)
	if err != nil {
		log.Debug().Err(err).Str("order_id", created.OrderID).Msg("bitget order readback failed")
		return &OrderResult{
			Venue:           symbols.VenueBitget,
			ExchangeOrderID: created.OrderID,
			ClientOrderID:   clientOrderID,
			Status:          StatusNew,
		}, nil
	}
	return order, nil
}

func (c *BitgetClient) mixSide(ctx context.Context, wire, side string) string {
	canonical := symbols.ParseWire(wire, symbols.VenueBitget)
	positions, err := c.GetPositions(ctx, canonical)
	if err == nil {
		for _, p := range positions {
			if p.Symbol != canonical {
				continue
			}
			if side == SideSell && p.Side == "long" {
				return "close_long"
			}
			if side == SideBuy && p.Side == "short" {
				return "close_short"
			}
		}
	}
	if side == SideSell {
		return "open_short"
	}
	return "open_long"
}

func (c *BitgetClient) CancelOrder(ctx context.Context, symbol, orderID, marketType string) error {
	wire := symbols.Project(symbol, symbols.VenueBitget, marketType)
	if marketType == MarketSwap {
		payload, err := json.Marshal(map[string]string{
			"symbol": wire, "marginCoin": bitgetMarginCoin, "orderId": orderID,
		})
		if err != nil {
			return err
		}
		_, err = c.signed(ctx, http.MethodPost, "/api/mix/v1/order/cancel-order", string(payload))
		return err
	}
	payload, err := json.Marshal(map[string]string{"symbol": wire, "orderId": orderID})
	if err != nil {
		return err
	}
	_, err = c.signed(ctx, http.MethodPost, "/api/spot/v1/trade/cancel-order", string(payload))
	return err
}

func (c *BitgetClient) GetOrder(ctx context.Context, symbol, orderID, marketType string) (*OrderResult, error) {
	wire := symbols.Project(symbol, symbols.VenueBitget, marketType)
	if marketType == MarketSwap {
		return c.getMixOrder(ctx, wire, orderID)
	}
	return c.getSpotOrder(ctx, wire, orderID)
}

func (c *BitgetClient) getSpotOrder(ctx context.Context, wire, orderID string) (*OrderResult, error) {
	payload, err := json.Marshal(map[string]string{"symbol": wire, "orderId": orderID})
	if err != nil {
		return nil, err
	}
	data, err := c.signed(ctx, http.MethodPost, "/api/spot/v1/trade/orderInfo", string(payload))
	if err != nil {
		return nil, err
	}
	var orders []struct {
		OrderID      string `json:"orderId"`
		ClientOid    string `json:"clientOrderId"`
		Status       string `json:"status"`
		FillQuantity string `json:"fillQuantity"`
		FillPrice    string `json:"fillPrice"`
	}
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("bitget order decode: %w", err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	o := orders[0]
	result := &OrderResult{
		Venue:           symbols.VenueBitget,
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOid,
		Filled:          parseFloat(o.FillQuantity),
		AvgPrice:        parseFloat(o.FillPrice),
		Status:          normalizeBitgetStatus(o.Status),
	}
	if result.Filled > 0 {
		result.Fee, result.FeeCcy = c.spotFees(ctx, wire, orderID)
	}
	return result, nil
}

func (c *BitgetClient) getMixOrder(ctx context.Context, wire, orderID string) (*OrderResult, error) {
	path := fmt.Sprintf("/api/mix/v1/order/detail?symbol=%s&orderId=%s", url.QueryEscape(wire), url.QueryEscape(orderID))
	data, err := c.signed(ctx, http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}
	var o struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
		State     string `json:"state"`
		FilledQty string `json:"filledQty"`
		PriceAvg  string `json:"priceAvg"`
		Fee       string `json:"fee"`
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("bitget order decode: %w", err)
	}
	if o.OrderID == "" {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	result := &OrderResult{
		Venue:           symbols.VenueBitget,
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOid,
		Filled:          parseFloat(o.FilledQty),
		AvgPrice:        parseFloat(o.PriceAvg),
		Status:          normalizeBitgetStatus(o.State),
	}
	if result.Filled > 0 {
		if fee := parseFloat(o.Fee); fee != 0 {
			if fee < 0 {
				fee = -fee
			}
			result.Fee = fee
			result.FeeCcy = bitgetMarginCoin
		}
	}
	return result, nil
}

// spotFees sums the per-order fills endpoint, best effort
func (c *BitgetClient) spotFees(ctx context.Context, wire, orderID string) (float64, string) {
	payload, err := json.Marshal(map[string]string{"symbol": wire, "orderId": orderID})
	if err != nil {
		return 0, ""
	}
	data, err := c.signed(ctx, http.MethodPost, "/api/spot/v1/trade/fills", string(payload))
	if err != nil {
		log.Debug().Err(err).Str("symbol", wire).Msg("bitget fee lookup failed")
		return 0, ""
	}
	var fills []struct {
		Fees   string `json:"fees"`
		FeeCcy string `json:"feeCcy"`
	}
	if err := json.Unmarshal(data, &fills); err != nil {
		return 0, ""
	}
	var total float64
	var ccy string
	for _, fill := range fills {
		fee := parseFloat(fill.Fees)
		if fee < 0 {
			fee = -fee
		}
		total += fee
		if ccy == "" {
			ccy = fill.FeeCcy
		}
	}
	return total, ccy
}

func (c *BitgetClient) GetBalance(ctx context.Context, marketType string) (*Balance, error) {
	if marketType == MarketSwap {
		path := "/api/mix/v1/account/accounts?productType=" + bitgetProductType
		data, err := c.signed(ctx, http.MethodGet, path, "")
		if err != nil {
			return nil, err
		}
		var accounts []struct {
			MarginCoin string `json:"marginCoin"`
			Available  string `json:"available"`
			Equity     string `json:"equity"`
		}
		if err := json.Unmarshal(data, &accounts); err != nil {
			return nil, fmt.Errorf("bitget balance decode: %w", err)
		}
		for _, account := range accounts {
			if account.MarginCoin == bitgetMarginCoin {
				return &Balance{
					Available: parseFloat(account.Available),
					Total:     parseFloat(account.Equity),
					Currency:  bitgetMarginCoin,
				}, nil
			}
		}
		return &Balance{Currency: bitgetMarginCoin}, nil
	}

	data, err := c.signed(ctx, http.MethodGet, "/api/spot/v1/account/assets", "")
	if err != nil {
		return nil, err
	}
	var assets []struct {
		CoinName  string `json:"coinName"`
		Available string `json:"available"`
		Frozen    string `json:"frozen"`
	}
	if err := json.Unmarshal(data, &assets); err != nil {
		return nil, fmt.Errorf("bitget balance decode: %w", err)
	}
	for _, asset := range assets {
		if strings.EqualFold(asset.CoinName, bitgetMarginCoin) {
			available := parseFloat(asset.Available)
			return &Balance{
				Available: available,
				Total:     available + parseFloat(asset.Frozen),
				Currency:  bitgetMarginCoin,
			}, nil
		}
	}
	return &Balance{Currency: bitgetMarginCoin}, nil
}

// GetAssetBalance returns the free spot balance of one asset
func (c *BitgetClient) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	data, err := c.signed(ctx, http.MethodGet, "/api/spot/v1/account/assets", "")
	if err != nil {
		return 0, err
	}
	var assets []struct {
		CoinName  string `json:"coinName"`
		Available string `json:"available"`
	}
	if err := json.Unmarshal(data, &assets); err != nil {
		return 0, fmt.Errorf("bitget balance decode: %w", err)
	}
	for _, a := range assets {
		if strings.EqualFold(a.CoinName, asset) {
			return parseFloat(a.Available), nil
		}
	}
	return 0, nil
}

func (c *BitgetClient) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	path := "/api/mix/v1/position/allPosition?productType=" + bitgetProductType
	data, err := c.signed(ctx, http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}
	var positions []struct {
		Symbol           string `json:"symbol"`
		HoldSide         string `json:"holdSide"`
		Total            string `json:"total"`
		AverageOpenPrice string `json:"averageOpenPrice"`
		MarketPrice      string `json:"marketPrice"`
		UnrealizedPL     string `json:"unrealizedPL"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("bitget positions decode: %w", err)
	}

	var out []Position
	for _, p := range positions {
		size := parseFloat(p.Total)
		if size == 0 {
			continue
		}
		canonical := symbols.ParseWire(p.Symbol, symbols.VenueBitget)
		if symbol != "" && canonical != canonicalOf(symbol) {
			continue
		}
		out = append(out, Position{
			Symbol:        canonical,
			Side:          p.HoldSide,
			Size:          size,
			EntryPrice:    parseFloat(p.AverageOpenPrice),
			MarkPrice:     parseFloat(p.MarketPrice),
			UnrealizedPnl: parseFloat(p.UnrealizedPL),
			Leverage:      int(parseFloat(p.Leverage)),
		})
	}
	return out, nil
}

func (c *BitgetClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	wire := symbols.Project(symbol, symbols.VenueBitget, MarketSwap)
	if wire == "" {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	payload, err := json.Marshal(map[string]string{
		"symbol":     wire,
		"marginCoin": bitgetMarginCoin,
		"leverage":   strconv.Itoa(leverage),
	})
	if err != nil {
		return err
	}
	_, err = c.signed(ctx, http.MethodPost, "/api/mix/v1/account/setLeverage", string(payload))
	return err
}

func normalizeBitgetStatus(status string) string {
	switch status {
	case "init", "new":
		return StatusNew
	case "partial_fill", "partially_filled":
		return StatusPartial
	case "full_fill", "filled":
		return StatusFilled
	case "cancelled", "canceled":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}
