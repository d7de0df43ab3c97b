package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/quantdesk/quantdesk/internal/symbols"
)

const (
	kucoinSpotURL    = "https://api.kucoin.com"
	kucoinFuturesURL = "https://api-futures.kucoin.com"
)

// KuCoinClient signs timestamp + METHOD + endpoint + body with HMAC-SHA256
// base64, with the passphrase itself signed under key-version 2. Spot uses
// hyphenated symbols, futures M-suffixed contracts with XBT for bitcoin.
type KuCoinClient struct {
	spot       *restClient
	futuresAPI *restClient
	apiKey     string
	secret     string
	passphrase string
	filters    *FilterCache

	// futures contract multipliers keyed by wire symbol
	multipliers map[string]float64
}

// NewKuCoinClient builds a client from a stored credential
func NewKuCoinClient(cred Credential) *KuCoinClient {
	return &KuCoinClient{
		spot:        newRESTClient(symbols.VenueKuCoin, kucoinSpotURL),
		futuresAPI:  newRESTClient(symbols.VenueKuCoin, kucoinFuturesURL),
		apiKey:      cred.APIKey,
		secret:      cred.SecretKey,
		passphrase:  cred.Passphrase,
		filters:     NewFilterCache(),
		multipliers: make(map[string]float64),
	}
}

func (c *KuCoinClient) Name() string { return symbols.VenueKuCoin }

type kucoinEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// signed issues a signed request against either host. endpoint must
// include the query string since it is part of the prehash.
func (c *KuCoinClient) signed(ctx context.Context, rest *restClient, method, endpoint, body string) (json.RawMessage, error) {
	ts := timestampMs()
	headers := map[string]string{
		"KC-API-KEY":         c.apiKey,
		"KC-API-SIGN":        signBase64(c.secret, ts+method+endpoint+body),
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  signBase64(c.secret, c.passphrase),
		"KC-API-KEY-VERSION": "2",
		"Content-Type":       "application/json",
	}
	raw, err := rest.do(ctx, method, endpoint, headers, body)
	if err != nil {
		return nil, err
	}
	return c.unwrap(raw)
}

func (c *KuCoinClient) public(ctx context.Context, rest *restClient, endpoint string) (json.RawMessage, error) {
	raw, err := rest.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, err
	}
	return c.unwrap(raw)
}

func (c *KuCoinClient) unwrap(raw []byte) (json.RawMessage, error) {
	var env kucoinEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("kucoin response decode: %w", err)
	}
	if env.Code != "200000" {
		return nil, &VenueBusinessError{Venue: symbols.VenueKuCoin, Code: env.Code, Message: env.Msg}
	}
	return env.Data, nil
}

func (c *KuCoinClient) Ping(ctx context.Context) error {
	_, err := c.public(ctx, c.spot, "/api/v1/timestamp")
	return err
}

func (c *KuCoinClient) GetTicker(ctx context.Context, symbol, marketType string) (float64, error) {
	wire := symbols.Project(symbol, symbols.VenueKuCoin, marketType)
	if wire == "" {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	if marketType == MarketSwap {
		data, err := c.public(ctx, c.futuresAPI, "/api/v1/ticker?symbol="+url.QueryEscape(wire))
		if err != nil {
			return 0, err
		}
		var ticker struct {
			Price string `json:"price"`
		}
		if err := json.Unmarshal(data, &ticker); err != nil {
			return 0, fmt.Errorf("kucoin ticker decode: %w", err)
		}
		return parseFloat(ticker.Price), nil
	}

	data, err := c.public(ctx, c.spot, "/api/v1/market/orderbook/level1?symbol="+url.QueryEscape(wire))
	if err != nil {
		return 0, err
	}
	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &ticker); err != nil {
		return 0, fmt.Errorf("kucoin ticker decode: %w", err)
	}
	return parseFloat(ticker.Price), nil
}

func (c *KuCoinClient) symbolFilters(ctx context.Context, wire, marketType string) (SymbolFilters, error) {
	key := marketType + ":" + wire
	if f, ok := c.filters.Get(key); ok {
		return f, nil
	}

	if marketType == MarketSwap {
		data, err := c.public(ctx, c.futuresAPI, "/api/v1/contracts/"+url.PathEscape(wire))
		if err != nil {
			return SymbolFilters{}, err
		}
		var contract struct {
			LotSize    float64 `json:"lotSize"`
			TickSize   float64 `json:"tickSize"`
			Multiplier float64 `json:"multiplier"`
		}
		if err := json.Unmarshal(data, &contract); err != nil {
			return SymbolFilters{}, fmt.Errorf("kucoin contract decode: %w", err)
		}
		filters := SymbolFilters{
			StepSize: ParseStep(strconv.FormatFloat(contract.LotSize, 'f', -1, 64)),
			TickSize: ParseStep(strconv.FormatFloat(contract.TickSize, 'f', -1, 64)),
			MinQty:   ParseStep(strconv.FormatFloat(contract.LotSize, 'f', -1, 64)),
		}
		c.filters.Set(key, filters)
		c.multipliers[wire] = contract.Multiplier
		return filters, nil
	}

	data, err := c.public(ctx, c.spot, "/api/v2/symbols/"+url.PathEscape(wire))
	if err != nil {
		return SymbolFilters{}, err
	}
	var info struct {
		BaseIncrement  string `json:"baseIncrement"`
		PriceIncrement string `json:"priceIncrement"`
		BaseMinSize    string `json:"baseMinSize"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return SymbolFilters{}, fmt.Errorf("kucoin symbol decode: %w", err)
	}
	filters := SymbolFilters{
		StepSize: ParseStep(info.BaseIncrement),
		TickSize: ParseStep(info.PriceIncrement),
		MinQty:   ParseStep(info.BaseMinSize),
	}
	c.filters.Set(key, filters)
	return filters, nil
}

func (c *KuCoinClient) PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueKuCoin, marketType)
	if wire == "" {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	filters, err := c.symbolFilters(ctx, wire, marketType)
	if err != nil {
		return nil, err
	}
	priceStr, err := FormatPrice(price, filters)
	if err != nil {
		return nil, err
	}

	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	if marketType == MarketSwap {
		size, err := c.futuresContracts(wire, quantity)
		if err != nil {
			return nil, err
		}
		body := map[string]interface{}{
			"clientOid": clientOrderID,
			"symbol":    wire,
			"side":      side,
			"type":      "limit",
			"leverage":  "1",
			"size":      size,
			"price":     priceStr,
		}
		return c.submitFuturesOrder(ctx, wire, clientOrderID, body)
	}

	qtyStr, err := FormatQuantity(quantity, filters)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"clientOid": clientOrderID,
		"symbol":    wire,
		"side":      side,
		"type":      "limit",
		"size":      qtyStr,
		"price":     priceStr,
	}
	return c.submitSpotOrder(ctx, wire, clientOrderID, body)
}

func (c *KuCoinClient) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueKuCoin, marketType)
	if wire == "" {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	filters, err := c.symbolFilters(ctx, wire, marketType)
	if err != nil {
		return nil, err
	}

	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	if marketType == MarketSwap {
		size, err := c.futuresContracts(wire, quantity)
		if err != nil {
			return nil, err
		}
		body := map[string]interface{}{
			"clientOid": clientOrderID,
			"symbol":    wire,
			"side":      side,
			"type":      "market",
			"leverage":  "1",
			"size":      size,
		}
		return c.submitFuturesOrder(ctx, wire, clientOrderID, body)
	}

	qtyStr, err := FormatQuantity(quantity, filters)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"clientOid": clientOrderID,
		"symbol":    wire,
		"side":      side,
		"type":      "market",
		"size":      qtyStr,
	}
	return c.submitSpotOrder(ctx, wire, clientOrderID, body)
}

// futuresContracts converts base quantity to whole contracts via the
// cached multiplier
func (c *KuCoinClient) futuresContracts(wire string, quantity float64) (int64, error) {
	multiplier := c.multipliers[wire]
	if multiplier <= 0 {
		multiplier = 1
	}
	size := int64(math.Floor(quantity / multiplier))
	if size <= 0 {
		return 0, fmt.Errorf("%w: %v below one contract (%v base)", ErrInvalidQuantity, quantity, multiplier)
	}
	return size, nil
}

func (c *KuCoinClient) submitSpotOrder(ctx context.Context, wire, clientOrderID string, body map[string]interface{}) (*OrderResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	data, err := c.signed(ctx, c.spot, http.MethodPost, "/api/v1/orders", string(payload))
	if err != nil {
		return nil, err
	}
	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("kucoin order decode: %w", err)
	}

	order, err := c.getSpotOrder(ctx, created.OrderID)
	if err != nil {
		return &OrderResult{
			Venue:           symbols.VenueKuCoin,
			ExchangeOrderID: created.OrderID,
			ClientOrderID:   clientOrderID,
			Status:          StatusNew,
		}, nil
	}
	return order, nil
}

func (c *KuCoinClient) submitFuturesOrder(ctx context.Context, wire, clientOrderID string, body map[string]interface{}) (*OrderResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	data, err := c.signed(ctx, c.futuresAPI, http.MethodPost, "/api/v1/orders", string(payload))
	if err != nil {
		return nil, err
	}
	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("kucoin order decode: %w", err)
	}

	order, err := c.getFuturesOrder(ctx, wire, created.OrderID)
	if err != nil {
		return &OrderResult{
			Venue:           symbols.VenueKuCoin,
			ExchangeOrderID: created.OrderID,
			ClientOrderID:   clientOrderID,
			Status:          StatusNew,
		}, nil
	}
	return order, nil
}

func (c *KuCoinClient) CancelOrder(ctx context.Context, symbol, orderID, marketType string) error {
	if marketType == MarketSwap {
		_, err := c.signed(ctx, c.futuresAPI, http.MethodDelete, "/api/v1/orders/"+url.PathEscape(orderID), "")
		return err
	}
	_, err := c.signed(ctx, c.spot, http.MethodDelete, "/api/v1/orders/"+url.PathEscape(orderID), "")
	return err
}

func (c *KuCoinClient) GetOrder(ctx context.Context, symbol, orderID, marketType string) (*OrderResult, error) {
	if marketType == MarketSwap {
		wire := symbols.Project(symbol, symbols.VenueKuCoin, MarketSwap)
		return c.getFuturesOrder(ctx, wire, orderID)
	}
	return c.getSpotOrder(ctx, orderID)
}

func (c *KuCoinClient) getSpotOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	data, err := c.signed(ctx, c.spot, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID), "")
	if err != nil {
		return nil, err
	}
	var o struct {
		ID          string `json:"id"`
		ClientOid   string `json:"clientOid"`
		DealSize    string `json:"dealSize"`
		DealFunds   string `json:"dealFunds"`
		Fee         string `json:"fee"`
		FeeCurrency string `json:"feeCurrency"`
		IsActive    bool   `json:"isActive"`
		CancelExist bool   `json:"cancelExist"`
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("kucoin order decode: %w", err)
	}
	if o.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	filled := parseFloat(o.DealSize)
	result := &OrderResult{
		Venue:           symbols.VenueKuCoin,
		ExchangeOrderID: o.ID,
		ClientOrderID:   o.ClientOid,
		Filled:          filled,
		Status:          kucoinStatus(o.IsActive, o.CancelExist, filled),
	}
	if filled > 0 {
		result.AvgPrice = parseFloat(o.DealFunds) / filled
		result.Fee = parseFloat(o.Fee)
		result.FeeCcy = o.FeeCurrency
	}
	return result, nil
}

func (c *KuCoinClient) getFuturesOrder(ctx context.Context, wire, orderID string) (*OrderResult, error) {
	data, err := c.signed(ctx, c.futuresAPI, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID), "")
	if err != nil {
		return nil, err
	}
	var o struct {
		ID          string `json:"id"`
		ClientOid   string `json:"clientOid"`
		DealSize    int64  `json:"dealSize"`
		DealValue   string `json:"dealValue"`
		IsActive    bool   `json:"isActive"`
		CancelExist bool   `json:"cancelExist"`
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("kucoin order decode: %w", err)
	}
	if o.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	multiplier := c.multipliers[wire]
	if multiplier <= 0 {
		multiplier = 1
	}
	filled := float64(o.DealSize) * multiplier
	result := &OrderResult{
		Venue:           symbols.VenueKuCoin,
		ExchangeOrderID: o.ID,
		ClientOrderID:   o.ClientOid,
		Filled:          filled,
		Status:          kucoinStatus(o.IsActive, o.CancelExist, filled),
	}
	if filled > 0 {
		result.AvgPrice = parseFloat(o.DealValue) / filled
	}
	return result, nil
}

func (c *KuCoinClient) GetBalance(ctx context.Context, marketType string) (*Balance, error) {
	if marketType == MarketSwap {
		data, err := c.signed(ctx, c.futuresAPI, http.MethodGet, "/api/v1/account-overview?currency=USDT", "")
		if err != nil {
			return nil, err
		}
		var overview struct {
			AvailableBalance float64 `json:"availableBalance"`
			AccountEquity    float64 `json:"accountEquity"`
		}
		if err := json.Unmarshal(data, &overview); err != nil {
			return nil, fmt.Errorf("kucoin balance decode: %w", err)
		}
		return &Balance{
			Available: overview.AvailableBalance,
			Total:     overview.AccountEquity,
			Currency:  "USDT",
		}, nil
	}

	data, err := c.signed(ctx, c.spot, http.MethodGet, "/api/v1/accounts?currency=USDT&type=trade", "")
	if err != nil {
		return nil, err
	}
	var accounts []struct {
		Available string `json:"available"`
		Balance   string `json:"balance"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("kucoin balance decode: %w", err)
	}
	if len(accounts) == 0 {
		return &Balance{Currency: "USDT"}, nil
	}
	return &Balance{
		Available: parseFloat(accounts[0].Available),
		Total:     parseFloat(accounts[0].Balance),
		Currency:  "USDT",
	}, nil
}

// GetAssetBalance returns the free spot balance of one asset
func (c *KuCoinClient) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	data, err := c.signed(ctx, c.spot, http.MethodGet, "/api/v1/accounts?currency="+asset+"&type=trade", "")
	if err != nil {
		return 0, err
	}
	var accounts []struct {
		Available string `json:"available"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return 0, fmt.Errorf("kucoin balance decode: %w", err)
	}
	if len(accounts) == 0 {
		return 0, nil
	}
	return parseFloat(accounts[0].Available), nil
}

func (c *KuCoinClient) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	data, err := c.signed(ctx, c.futuresAPI, http.MethodGet, "/api/v1/positions", "")
	if err != nil {
		return nil, err
	}
	var positions []struct {
		Symbol        string  `json:"symbol"`
		CurrentQty    int64   `json:"currentQty"`
		AvgEntryPrice float64 `json:"avgEntryPrice"`
		MarkPrice     float64 `json:"markPrice"`
		UnrealisedPnl float64 `json:"unrealisedPnl"`
		RealLeverage  float64 `json:"realLeverage"`
	}
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("kucoin positions decode: %w", err)
	}

	var out []Position
	for _, p := range positions {
		if p.CurrentQty == 0 {
			continue
		}
		canonical := symbols.ParseWire(p.Symbol, symbols.VenueKuCoin)
		if symbol != "" && canonical != canonicalOf(symbol) {
			continue
		}
		multiplier := c.multipliers[p.Symbol]
		if multiplier <= 0 {
			multiplier = 1
		}
		side := "long"
		qty := p.CurrentQty
		if qty < 0 {
			side = "short"
			qty = -qty
		}
		out = append(out, Position{
			Symbol:        canonical,
			Side:          side,
			Size:          float64(qty) * multiplier,
			EntryPrice:    p.AvgEntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnl: p.UnrealisedPnl,
			Leverage:      int(p.RealLeverage),
		})
	}
	return out, nil
}

// SetLeverage is carried per order on KuCoin futures, so this only
// validates the symbol
func (c *KuCoinClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	wire := symbols.Project(symbol, symbols.VenueKuCoin, MarketSwap)
	if wire == "" {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return nil
}

func kucoinStatus(isActive, cancelExist bool, filled float64) string {
	switch {
	case cancelExist:
		return StatusCancelled
	case isActive && filled > 0:
		return StatusPartial
	case isActive:
		return StatusNew
	case filled > 0:
		return StatusFilled
	default:
		return StatusCancelled
	}
}
