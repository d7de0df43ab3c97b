package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantdesk/quantdesk/internal/symbols"
)

const huobiHost = "api.huobi.pro"

// HuobiClient speaks the spot v1 API with signature version 2: the sorted
// query string is signed as METHOD\nhost\npath\nquery and the base64
// signature is appended as a query parameter. Huobi derivatives use a
// separate API family and are not supported here.
type HuobiClient struct {
	rest    *restClient
	apiKey  string
	secret  string
	filters *FilterCache

	mu        sync.Mutex
	accountID string
}

// NewHuobiClient builds a client from a stored credential
func NewHuobiClient(cred Credential) *HuobiClient {
	return &HuobiClient{
		rest:    newRESTClient(symbols.VenueHuobi, "https://"+huobiHost),
		apiKey:  cred.APIKey,
		secret:  cred.SecretKey,
		filters: NewFilterCache(),
	}
}

func (c *HuobiClient) Name() string { return symbols.VenueHuobi }

type huobiEnvelope struct {
	Status  string          `json:"status"`
	ErrCode string          `json:"err-code"`
	ErrMsg  string          `json:"err-msg"`
	Data    json.RawMessage `json:"data"`
	Tick    json.RawMessage `json:"tick"`
}

// signedPath builds the request path with auth params and signature
func (c *HuobiClient) signedPath(method, path string, business url.Values) string {
	params := url.Values{}
	for k, vs := range business {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	params.Set("AccessKeyId", c.apiKey)
	params.Set("SignatureMethod", "HmacSHA256")
	params.Set("SignatureVersion", "2")
	params.Set("Timestamp", time.Now().UTC().Format("2006-01-02T15:04:05"))

	query := params.Encode()
	prehash := method + "\n" + huobiHost + "\n" + path + "\n" + query
	return path + "?" + query + "&Signature=" + url.QueryEscape(signBase64(c.secret, prehash))
}

func (c *HuobiClient) signed(ctx context.Context, method, path string, business url.Values, body string) (json.RawMessage, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	raw, err := c.rest.do(ctx, method, c.signedPath(method, path, business), headers, body)
	if err != nil {
		return nil, err
	}
	env, err := c.unwrap(raw)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (c *HuobiClient) unwrap(raw []byte) (*huobiEnvelope, error) {
	var env huobiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("huobi response decode: %w", err)
	}
	if env.Status != "ok" {
		return nil, &VenueBusinessError{Venue: symbols.VenueHuobi, Code: env.ErrCode, Message: env.ErrMsg}
	}
	return &env, nil
}

func (c *HuobiClient) Ping(ctx context.Context) error {
	_, err := c.rest.do(ctx, http.MethodGet, "/v1/common/timestamp", nil, "")
	return err
}

func (c *HuobiClient) GetTicker(ctx context.Context, symbol, marketType string) (float64, error) {
	if marketType == MarketSwap {
		return 0, fmt.Errorf("%w: huobi swap", ErrUnsupportedOperation)
	}
	wire := symbols.Project(symbol, symbols.VenueHuobi, marketType)
	if wire == "" {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	raw, err := c.rest.do(ctx, http.MethodGet, "/market/detail/merged?symbol="+url.QueryEscape(wire), nil, "")
	if err != nil {
		return 0, err
	}
	env, err := c.unwrap(raw)
	if err != nil {
		return 0, err
	}
	var tick struct {
		Close float64 `json:"close"`
	}
	if err := json.Unmarshal(env.Tick, &tick); err != nil {
		return 0, fmt.Errorf("huobi ticker decode: %w", err)
	}
	return tick.Close, nil
}

// symbolFilters scans the public symbol list for precision metadata
func (c *HuobiClient) symbolFilters(ctx context.Context, wire string) (SymbolFilters, error) {
	if f, ok := c.filters.Get(wire); ok {
		return f, nil
	}

	raw, err := c.rest.do(ctx, http.MethodGet, "/v1/common/symbols", nil, "")
	if err != nil {
		return SymbolFilters{}, err
	}
	env, err := c.unwrap(raw)
	if err != nil {
		return SymbolFilters{}, err
	}
	var list []struct {
		Symbol          string  `json:"symbol"`
		AmountPrecision int     `json:"amount-precision"`
		PricePrecision  int     `json:"price-precision"`
		MinOrderAmt     float64 `json:"min-order-amt"`
	}
	if err := json.Unmarshal(env.Data, &list); err != nil {
		return SymbolFilters{}, fmt.Errorf("huobi symbols decode: %w", err)
	}
	for _, s := range list {
		if s.Symbol != wire {
			continue
		}
		filters := SymbolFilters{
			StepSize: StepFromScale(s.AmountPrecision),
			TickSize: StepFromScale(s.PricePrecision),
			MinQty:   decimal.NewFromFloat(s.MinOrderAmt),
		}
		c.filters.Set(wire, filters)
		return filters, nil
	}
	return SymbolFilters{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, wire)
}

// account resolves and caches the spot account id
func (c *HuobiClient) account(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.accountID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	data, err := c.signed(ctx, http.MethodGet, "/v1/account/accounts", nil, "")
	if err != nil {
		return "", err
	}
	var accounts []struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return "", fmt.Errorf("huobi accounts decode: %w", err)
	}
	for _, account := range accounts {
		if account.Type == "spot" {
			id := fmt.Sprintf("%d", account.ID)
			c.mu.Lock()
			c.accountID = id
			c.mu.Unlock()
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no spot account", ErrMissingCredential)
}

func (c *HuobiClient) PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price float64, marketType, clientOrderID string) (*OrderResult, error) {
	if marketType == MarketSwap {
		return nil, fmt.Errorf("%w: huobi swap", ErrUnsupportedOperation)
	}
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueHuobi, MarketSpot)
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
	priceStr, err := FormatPrice(price, filters)
	if err != nil {
		return nil, err
	}
	return c.placeOrder(ctx, wire, side+"-limit", qtyStr, priceStr, clientOrderID)
}

func (c *HuobiClient) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, marketType, clientOrderID string) (*OrderResult, error) {
	if marketType == MarketSwap {
		return nil, fmt.Errorf("%w: huobi swap", ErrUnsupportedOperation)
	}
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueHuobi, MarketSpot)
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

	if side == SideBuy {
		// Market buys are quoted in the quote currency
		last, err := c.GetTicker(ctx, symbol, MarketSpot)
		if err != nil || last <= 0 {
			return nil, fmt.Errorf("%w: cannot size market buy", ErrPriceUnavailable)
		}
		quote := decimal.NewFromFloat(quantity).Mul(decimal.NewFromFloat(last))
		qtyStr = quote.Truncate(4).String()
	}
	return c.placeOrder(ctx, wire, side+"-market", qtyStr, "", clientOrderID)
}

func (c *HuobiClient) placeOrder(ctx context.Context, wire, orderType, amount, price, clientOrderID string) (*OrderResult, error) {
	accountID, err := c.account(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]string{
		"account-id": accountID,
		"symbol":     wire,
		"type":       orderType,
		"amount":     amount,
	}
	if price != "" {
		body["price"] = price
	}
	if clientOrderID != "" {
		body["client-order-id"] = clientOrderID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	data, err := c.signed(ctx, http.MethodPost, "/v1/order/orders/place", nil, string(payload))
	if err != nil {
		return nil, err
	}
	var orderID string
	if err := json.Unmarshal(data, &orderID); err != nil {
		return nil, fmt.Errorf("huobi order decode: %w", err)
	}

	order, err := c.GetOrder(ctx, symbols.ParseWire(wire, symbols.VenueHuobi), orderID, MarketSpot)
	if err != nil {
		log.Debug().Err(err).Str("order_id", orderID).Msg("huobi order readback failed")
		return &OrderResult{
			Venue:           symbols.VenueHuobi,
			ExchangeOrderID: orderID,
			ClientOrderID:   clientOrderID,
			Status:          StatusNew,
		}, nil
	}
	return order, nil
}

func (c *HuobiClient) CancelOrder(ctx context.Context, symbol, orderID, marketType string) error {
	if marketType == MarketSwap {
		return fmt.Errorf("%w: huobi swap", ErrUnsupportedOperation)
	}
	_, err := c.signed(ctx, http.MethodPost, "/v1/order/orders/"+url.PathEscape(orderID)+"/submitcancel", nil, "{}")
	return err
}

func (c *HuobiClient) GetOrder(ctx context.Context, symbol, orderID, marketType string) (*OrderResult, error) {
	if marketType == MarketSwap {
		return nil, fmt.Errorf("%w: huobi swap", ErrUnsupportedOperation)
	}
	data, err := c.signed(ctx, http.MethodGet, "/v1/order/orders/"+url.PathEscape(orderID), nil, "")
	if err != nil {
		return nil, err
	}
	var o struct {
		ID              int64  `json:"id"`
		ClientOrderID   string `json:"client-order-id"`
		State           string `json:"state"`
		Type            string `json:"type"`
		FieldAmount     string `json:"field-amount"`
		FieldCashAmount string `json:"field-cash-amount"`
		FieldFees       string `json:"field-fees"`
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("huobi order decode: %w", err)
	}
	if o.ID == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	filled := parseFloat(o.FieldAmount)
	cash := parseFloat(o.FieldCashAmount)
	result := &OrderResult{
		Venue:           symbols.VenueHuobi,
		ExchangeOrderID: fmt.Sprintf("%d", o.ID),
		ClientOrderID:   o.ClientOrderID,
		Filled:          filled,
		Status:          normalizeHuobiStatus(o.State),
	}
	if filled > 0 {
		result.AvgPrice = cash / filled
		result.Fee = parseFloat(o.FieldFees)
		result.FeeCcy = huobiFeeCurrency(o.Type, symbol)
	}
	return result, nil
}

// huobiFeeCurrency follows the spot convention: buys pay fees in base,
// sells in quote
func huobiFeeCurrency(orderType, symbol string) string {
	canonical := canonicalOf(symbol)
	if len(orderType) >= 3 && orderType[:3] == "buy" {
		return symbols.Base(canonical)
	}
	return symbols.Quote(canonical)
}

func (c *HuobiClient) GetBalance(ctx context.Context, marketType string) (*Balance, error) {
	if marketType == MarketSwap {
		return nil, fmt.Errorf("%w: huobi swap", ErrUnsupportedOperation)
	}
	accountID, err := c.account(ctx)
	if err != nil {
		return nil, err
	}

	data, err := c.signed(ctx, http.MethodGet, "/v1/account/accounts/"+accountID+"/balance", nil, "")
	if err != nil {
		return nil, err
	}
	var account struct {
		List []struct {
			Currency string `json:"currency"`
			Type     string `json:"type"`
			Balance  string `json:"balance"`
		} `json:"list"`
	}
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("huobi balance decode: %w", err)
	}

	balance := &Balance{Currency: "USDT"}
	for _, entry := range account.List {
		if entry.Currency != "usdt" {
			continue
		}
		amount := parseFloat(entry.Balance)
		switch entry.Type {
		case "trade":
			balance.Available = amount
			balance.Total += amount
		case "frozen":
			balance.Total += amount
		}
	}
	return balance, nil
}

// GetAssetBalance returns the free spot balance of one asset
func (c *HuobiClient) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	accountID, err := c.account(ctx)
	if err != nil {
		return 0, err
	}

	data, err := c.signed(ctx, http.MethodGet, "/v1/account/accounts/"+accountID+"/balance", nil, "")
	if err != nil {
		return 0, err
	}
	var account struct {
		List []struct {
			Currency string `json:"currency"`
			Type     string `json:"type"`
			Balance  string `json:"balance"`
		} `json:"list"`
	}
	if err := json.Unmarshal(data, &account); err != nil {
		return 0, fmt.Errorf("huobi balance decode: %w", err)
	}

	want := strings.ToLower(asset)
	for _, entry := range account.List {
		if entry.Currency == want && entry.Type == "trade" {
			return parseFloat(entry.Balance), nil
		}
	}
	return 0, nil
}

func (c *HuobiClient) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	return nil, fmt.Errorf("%w: huobi swap", ErrUnsupportedOperation)
}

func (c *HuobiClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return fmt.Errorf("%w: huobi swap", ErrUnsupportedOperation)
}

func normalizeHuobiStatus(state string) string {
	switch state {
	case "submitted", "created":
		return StatusNew
	case "partial-filled":
		return StatusPartial
	case "filled":
		return StatusFilled
	case "canceled", "partial-canceled":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}
