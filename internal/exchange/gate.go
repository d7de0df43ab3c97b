package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantdesk/quantdesk/internal/symbols"
)

const gateBaseURL = "https://api.gateio.ws"

// GateClient signs v4 requests as HMAC-SHA512 over
// METHOD\npath\nquery\nSHA512(body)\ntimestamp. USDT perpetuals are sized
// in integer contracts, converted from base quantity via the contract
// multiplier.
type GateClient struct {
	rest    *restClient
	apiKey  string
	secret  string
	filters *FilterCache

	// contract multipliers, cached alongside filters
	multipliers map[string]float64
}

// NewGateClient builds a client from a stored credential
func NewGateClient(cred Credential) *GateClient {
	return &GateClient{
		rest:        newRESTClient(symbols.VenueGate, gateBaseURL),
		apiKey:      cred.APIKey,
		secret:      cred.SecretKey,
		filters:     NewFilterCache(),
		multipliers: make(map[string]float64),
	}
}

func (c *GateClient) Name() string { return symbols.VenueGate }

// signed builds the v4 signature from the exact body bytes sent
func (c *GateClient) signed(ctx context.Context, method, path, query, body string) ([]byte, error) {
	ts := timestampSec()
	prehash := method + "\n" + path + "\n" + query + "\n" + sha512Hex(body) + "\n" + ts
	headers := map[string]string{
		"KEY":          c.apiKey,
		"Timestamp":    ts,
		"SIGN":         signHexSHA512(c.secret, prehash),
		"Content-Type": "application/json",
	}
	fullPath := path
	if query != "" {
		fullPath += "?" + query
	}
	return c.rest.do(ctx, method, fullPath, headers, body)
}

func (c *GateClient) Ping(ctx context.Context) error {
	_, err := c.rest.do(ctx, http.MethodGet, "/api/v4/spot/time", nil, "")
	return err
}

func (c *GateClient) GetTicker(ctx context.Context, symbol, marketType string) (float64, error) {
	wire := symbols.Project(symbol, symbols.VenueGate, marketType)
	if wire == "" {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	if marketType == MarketSwap {
		raw, err := c.rest.do(ctx, http.MethodGet, "/api/v4/futures/usdt/tickers?contract="+url.QueryEscape(wire), nil, "")
		if err != nil {
			return 0, err
		}
		var tickers []struct {
			Last string `json:"last"`
		}
		if err := json.Unmarshal(raw, &tickers); err != nil {
			return 0, fmt.Errorf("gate ticker decode: %w", err)
		}
		if len(tickers) == 0 {
			return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
		}
		return parseFloat(tickers[0].Last), nil
	}

	raw, err := c.rest.do(ctx, http.MethodGet, "/api/v4/spot/tickers?currency_pair="+url.QueryEscape(wire), nil, "")
	if err != nil {
		return 0, err
	}
	var tickers []struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(raw, &tickers); err != nil {
		return 0, fmt.Errorf("gate ticker decode: %w", err)
	}
	if len(tickers) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return parseFloat(tickers[0].Last), nil
}

// symbolFilters reads precision metadata. Spot exposes decimal-place
// precisions, futures exposes the price round plus a contract multiplier.
func (c *GateClient) symbolFilters(ctx context.Context, wire, marketType string) (SymbolFilters, error) {
	key := marketType + ":" + wire
	if f, ok := c.filters.Get(key); ok {
		return f, nil
	}

	if marketType == MarketSwap {
		raw, err := c.rest.do(ctx, http.MethodGet, "/api/v4/futures/usdt/contracts/"+url.PathEscape(wire), nil, "")
		if err != nil {
			return SymbolFilters{}, err
		}
		var contract struct {
			QuantoMultiplier string `json:"quanto_multiplier"`
			OrderPriceRound  string `json:"order_price_round"`
			OrderSizeMin     int64  `json:"order_size_min"`
		}
		if err := json.Unmarshal(raw, &contract); err != nil {
			return SymbolFilters{}, fmt.Errorf("gate contract decode: %w", err)
		}
		filters := SymbolFilters{
			StepSize: decimal.NewFromInt(1),
			TickSize: ParseStep(contract.OrderPriceRound),
			MinQty:   decimal.NewFromInt(contract.OrderSizeMin),
		}
		c.filters.Set(key, filters)
		c.multipliers[wire] = parseFloat(contract.QuantoMultiplier)
		return filters, nil
	}

	raw, err := c.rest.do(ctx, http.MethodGet, "/api/v4/spot/currency_pairs/"+url.PathEscape(wire), nil, "")
	if err != nil {
		return SymbolFilters{}, err
	}
	var pair struct {
		AmountPrecision int    `json:"amount_precision"`
		Precision       int    `json:"precision"`
		MinBaseAmount   string `json:"min_base_amount"`
	}
	if err := json.Unmarshal(raw, &pair); err != nil {
		return SymbolFilters{}, fmt.Errorf("gate pair decode: %w", err)
	}
	filters := SymbolFilters{
		StepSize: StepFromScale(pair.AmountPrecision),
		TickSize: StepFromScale(pair.Precision),
		MinQty:   ParseStep(pair.MinBaseAmount),
	}
	c.filters.Set(key, filters)
	return filters, nil
}

// contracts converts a base quantity to a signed contract count
func (c *GateClient) contracts(ctx context.Context, wire, side string, quantity float64) (int64, error) {
	if _, err := c.symbolFilters(ctx, wire, MarketSwap); err != nil {
		return 0, err
	}
	multiplier := c.multipliers[wire]
	if multiplier <= 0 {
		multiplier = 1
	}
	size := int64(math.Floor(quantity / multiplier))
	if size <= 0 {
		return 0, fmt.Errorf("%w: %v below one contract (%v base)", ErrInvalidQuantity, quantity, multiplier)
	}
	if side == SideSell {
		size = -size
	}
	return size, nil
}

func (c *GateClient) PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueGate, marketType)
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

	if marketType == MarketSwap {
		size, err := c.contracts(ctx, wire, side, quantity)
		if err != nil {
			return nil, err
		}
		return c.placeFuturesOrder(ctx, wire, size, priceStr, "gtc", clientOrderID)
	}

	qtyStr, err := FormatQuantity(quantity, filters)
	if err != nil {
		return nil, err
	}
	return c.placeSpotOrder(ctx, wire, side, "limit", qtyStr, priceStr, clientOrderID)
}

func (c *GateClient) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueGate, marketType)
	if wire == "" {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	filters, err := c.symbolFilters(ctx, wire, marketType)
	if err != nil {
		return nil, err
	}

	if marketType == MarketSwap {
		size, err := c.contracts(ctx, wire, side, quantity)
		if err != nil {
			return nil, err
		}
		// Market order on futures is price 0 with IOC
		return c.placeFuturesOrder(ctx, wire, size, "0", "ioc", clientOrderID)
	}

	qtyStr, err := FormatQuantity(quantity, filters)
	if err != nil {
		return nil, err
	}
	if side == SideBuy {
		// Spot market buys are quoted in the quote currency
		last, err := c.GetTicker(ctx, symbol, MarketSpot)
		if err != nil || last <= 0 {
			return nil, fmt.Errorf("%w: cannot size market buy", ErrPriceUnavailable)
		}
		quote := decimal.NewFromFloat(quantity).Mul(decimal.NewFromFloat(last))
		qtyStr = quote.Truncate(4).String()
	}
	return c.placeSpotOrder(ctx, wire, side, "market", qtyStr, "", clientOrderID)
}

func (c *GateClient) placeSpotOrder(ctx context.Context, wire, side, orderType, amount, price, clientOrderID string) (*OrderResult, error) {
	body := map[string]string{
		"currency_pair": wire,
		"side":          side,
		"type":          orderType,
		"amount":        amount,
	}
	if orderType == "limit" {
		body["price"] = price
		body["time_in_force"] = "gtc"
	} else {
		body["time_in_force"] = "ioc"
	}
	if clientOrderID != "" {
		body["text"] = "t-" + clientOrderID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	raw, err := c.signed(ctx, http.MethodPost, "/api/v4/spot/orders", "", string(payload))
	if err != nil {
		return nil, err
	}
	return c.decodeSpotOrder(raw)
}

func (c *GateClient) placeFuturesOrder(ctx context.Context, wire string, size int64, price, tif, clientOrderID string) (*OrderResult, error) {
	body := map[string]interface{}{
		"contract": wire,
		"size":     size,
		"price":    price,
		"tif":      tif,
	}
	if clientOrderID != "" {
		body["text"] = "t-" + clientOrderID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	raw, err := c.signed(ctx, http.MethodPost, "/api/v4/futures/usdt/orders", "", string(payload))
	if err != nil {
		return nil, err
	}
	return c.decodeFuturesOrder(wire, raw)
}

func (c *GateClient) CancelOrder(ctx context.Context, symbol, orderID, marketType string) error {
	wire := symbols.Project(symbol, symbols.VenueGate, marketType)
	if marketType == MarketSwap {
		_, err := c.signed(ctx, http.MethodDelete, "/api/v4/futures/usdt/orders/"+url.PathEscape(orderID), "", "")
		return err
	}
	query := "currency_pair=" + url.QueryEscape(wire)
	_, err := c.signed(ctx, http.MethodDelete, "/api/v4/spot/orders/"+url.PathEscape(orderID), query, "")
	return err
}

func (c *GateClient) GetOrder(ctx context.Context, symbol, orderID, marketType string) (*OrderResult, error) {
	wire := symbols.Project(symbol, symbols.VenueGate, marketType)
	if marketType == MarketSwap {
		raw, err := c.signed(ctx, http.MethodGet, "/api/v4/futures/usdt/orders/"+url.PathEscape(orderID), "", "")
		if err != nil {
			return nil, err
		}
		return c.decodeFuturesOrder(wire, raw)
	}
	query := "currency_pair=" + url.QueryEscape(wire)
	raw, err := c.signed(ctx, http.MethodGet, "/api/v4/spot/orders/"+url.PathEscape(orderID), query, "")
	if err != nil {
		return nil, err
	}
	return c.decodeSpotOrder(raw)
}

func (c *GateClient) decodeSpotOrder(raw []byte) (*OrderResult, error) {
	var o struct {
		ID           string `json:"id"`
		Text         string `json:"text"`
		Status       string `json:"status"`
		Amount       string `json:"amount"`
		Left         string `json:"left"`
		AvgDealPrice string `json:"avg_deal_price"`
		Fee          string `json:"fee"`
		FeeCurrency  string `json:"fee_currency"`
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("gate order decode: %w", err)
	}
	filled := parseFloat(o.Amount) - parseFloat(o.Left)
	if filled < 0 {
		filled = 0
	}
	result := &OrderResult{
		Venue:           symbols.VenueGate,
		ExchangeOrderID: o.ID,
		ClientOrderID:   trimGateText(o.Text),
		Filled:          filled,
		AvgPrice:        parseFloat(o.AvgDealPrice),
		Status:          normalizeGateStatus(o.Status, filled),
	}
	if filled > 0 {
		result.Fee = parseFloat(o.Fee)
		result.FeeCcy = o.FeeCurrency
	}
	return result, nil
}

func (c *GateClient) decodeFuturesOrder(wire string, raw []byte) (*OrderResult, error) {
	var o struct {
		ID        int64   `json:"id"`
		Text      string  `json:"text"`
		Status    string  `json:"status"`
		Size      int64   `json:"size"`
		Left      int64   `json:"left"`
		FillPrice string  `json:"fill_price"`
		TkfrFee   float64 `json:"tkfr,string"`
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("gate order decode: %w", err)
	}

	multiplier := c.multipliers[wire]
	if multiplier <= 0 {
		multiplier = 1
	}
	filledContracts := o.Size - o.Left
	if filledContracts < 0 {
		filledContracts = -filledContracts
	}
	result := &OrderResult{
		Venue:           symbols.VenueGate,
		ExchangeOrderID: strconv.FormatInt(o.ID, 10),
		ClientOrderID:   trimGateText(o.Text),
		Filled:          float64(filledContracts) * multiplier,
		AvgPrice:        parseFloat(o.FillPrice),
		Status:          normalizeGateStatus(o.Status, float64(filledContracts)),
	}
	return result, nil
}

func (c *GateClient) GetBalance(ctx context.Context, marketType string) (*Balance, error) {
	if marketType == MarketSwap {
		raw, err := c.signed(ctx, http.MethodGet, "/api/v4/futures/usdt/accounts", "", "")
		if err != nil {
			return nil, err
		}
		var account struct {
			Available string `json:"available"`
			Total     string `json:"total"`
		}
		if err := json.Unmarshal(raw, &account); err != nil {
			return nil, fmt.Errorf("gate balance decode: %w", err)
		}
		return &Balance{
			Available: parseFloat(account.Available),
			Total:     parseFloat(account.Total),
			Currency:  "USDT",
		}, nil
	}

	raw, err := c.signed(ctx, http.MethodGet, "/api/v4/spot/accounts", "currency=USDT", "")
	if err != nil {
		return nil, err
	}
	var accounts []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
		Locked    string `json:"locked"`
	}
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("gate balance decode: %w", err)
	}
	for _, account := range accounts {
		if account.Currency == "USDT" {
			available := parseFloat(account.Available)
			return &Balance{
				Available: available,
				Total:     available + parseFloat(account.Locked),
				Currency:  "USDT",
			}, nil
		}
	}
	return &Balance{Currency: "USDT"}, nil
}

// GetAssetBalance returns the free spot balance of one asset
func (c *GateClient) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	raw, err := c.signed(ctx, http.MethodGet, "/api/v4/spot/accounts", "currency="+asset, "")
	if err != nil {
		return 0, err
	}
	var accounts []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	}
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return 0, fmt.Errorf("gate balance decode: %w", err)
	}
	for _, account := range accounts {
		if account.Currency == asset {
			return parseFloat(account.Available), nil
		}
	}
	return 0, nil
}

func (c *GateClient) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	raw, err := c.signed(ctx, http.MethodGet, "/api/v4/futures/usdt/positions", "", "")
	if err != nil {
		return nil, err
	}
	var positions []struct {
		Contract   string `json:"contract"`
		Size       int64  `json:"size"`
		EntryPrice string `json:"entry_price"`
		MarkPrice  string `json:"mark_price"`
		UnrealPnl  string `json:"unrealised_pnl"`
		Leverage   string `json:"leverage"`
	}
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, fmt.Errorf("gate positions decode: %w", err)
	}

	var out []Position
	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		canonical := symbols.ParseWire(p.Contract, symbols.VenueGate)
		if symbol != "" && canonical != canonicalOf(symbol) {
			continue
		}
		multiplier := c.multipliers[p.Contract]
		if multiplier <= 0 {
			multiplier = 1
		}
		side := "long"
		size := p.Size
		if size < 0 {
			side = "short"
			size = -size
		}
		out = append(out, Position{
			Symbol:        canonical,
			Side:          side,
			Size:          float64(size) * multiplier,
			EntryPrice:    parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnl: parseFloat(p.UnrealPnl),
			Leverage:      int(parseFloat(p.Leverage)),
		})
	}
	return out, nil
}

// SetLeverage addresses the position by its contract name
func (c *GateClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	wire := symbols.Project(symbol, symbols.VenueGate, MarketSwap)
	if wire == "" {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	query := "leverage=" + strconv.Itoa(leverage)
	_, err := c.signed(ctx, http.MethodPost, "/api/v4/futures/usdt/positions/"+url.PathEscape(wire)+"/leverage", query, "")
	if err != nil {
		log.Debug().Err(err).Str("contract", wire).Msg("gate set leverage failed")
		return err
	}
	return nil
}

func trimGateText(text string) string {
	if len(text) > 2 && text[:2] == "t-" {
		return text[2:]
	}
	return ""
}

func normalizeGateStatus(status string, filled float64) string {
	switch status {
	case "open":
		if filled > 0 {
			return StatusPartial
		}
		return StatusNew
	case "closed", "finished":
		return StatusFilled
	case "cancelled":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}
