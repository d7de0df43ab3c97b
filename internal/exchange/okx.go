package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"

	"github.com/quantdesk/quantdesk/internal/symbols"
)

const okxBaseURL = "https://www.okx.com"

// OKXClient is a hand-signed v5 client. Signatures are HMAC-SHA256 over
// timestamp + METHOD + path + body, base64 encoded, with the passphrase
// sent alongside the key.
type OKXClient struct {
	rest       *restClient
	apiKey     string
	secret     string
	passphrase string
	simulated  bool
	filters    *FilterCache
}

// NewOKXClient builds a client from a stored credential
func NewOKXClient(cred Credential) *OKXClient {
	return &OKXClient{
		rest:       newRESTClient(symbols.VenueOKX, okxBaseURL),
		apiKey:     cred.APIKey,
		secret:     cred.SecretKey,
		passphrase: cred.Passphrase,
		simulated:  cred.Testnet,
		filters:    NewFilterCache(),
	}
}

func (c *OKXClient) Name() string { return symbols.VenueOKX }

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// signed issues a signed request. pathWithQuery must include the query
// string because OKX hashes it as part of the path.
func (c *OKXClient) signed(ctx context.Context, method, pathWithQuery, body string) (json.RawMessage, error) {
	ts := isoTimestamp()
	headers := map[string]string{
		"OK-ACCESS-KEY":        c.apiKey,
		"OK-ACCESS-SIGN":       signBase64(c.secret, ts+method+pathWithQuery+body),
		"OK-ACCESS-TIMESTAMP":  ts,
		"OK-ACCESS-PASSPHRASE": c.passphrase,
		"Content-Type":         "application/json",
	}
	if c.simulated {
		headers["x-simulated-trading"] = "1"
	}
	raw, err := c.rest.do(ctx, method, pathWithQuery, headers, body)
	if err != nil {
		return nil, err
	}
	return c.unwrap(raw)
}

func (c *OKXClient) public(ctx context.Context, pathWithQuery string) (json.RawMessage, error) {
	raw, err := c.rest.do(ctx, http.MethodGet, pathWithQuery, nil, "")
	if err != nil {
		return nil, err
	}
	return c.unwrap(raw)
}

func (c *OKXClient) unwrap(raw []byte) (json.RawMessage, error) {
	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("okx response decode: %w", err)
	}
	if env.Code != "0" {
		return nil, &VenueBusinessError{Venue: symbols.VenueOKX, Code: env.Code, Message: env.Msg}
	}
	return env.Data, nil
}

func (c *OKXClient) Ping(ctx context.Context) error {
	_, err := c.public(ctx, "/api/v5/public/time")
	return err
}

func (c *OKXClient) GetTicker(ctx context.Context, symbol, marketType string) (float64, error) {
	wire := symbols.Project(symbol, symbols.VenueOKX, marketType)
	if wire == "" {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	data, err := c.public(ctx, "/api/v5/market/ticker?instId="+url.QueryEscape(wire))
	if err != nil {
		return 0, err
	}
	var tickers []struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(data, &tickers); err != nil {
		return 0, fmt.Errorf("okx ticker decode: %w", err)
	}
	if len(tickers) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return parseFloat(tickers[0].Last), nil
}

func okxInstType(marketType string) string {
	if marketType == MarketSwap {
		return "SWAP"
	}
	return "SPOT"
}

// symbolFilters reads lotSz and tickSz from the public instruments endpoint
func (c *OKXClient) symbolFilters(ctx context.Context, wire, marketType string) (SymbolFilters, error) {
	key := marketType + ":" + wire
	if f, ok := c.filters.Get(key); ok {
		return f, nil
	}

	path := fmt.Sprintf("/api/v5/public/instruments?instType=%s&instId=%s", okxInstType(marketType), url.QueryEscape(wire))
	data, err := c.public(ctx, path)
	if err != nil {
		return SymbolFilters{}, err
	}
	var instruments []struct {
		LotSz  string `json:"lotSz"`
		TickSz string `json:"tickSz"`
		MinSz  string `json:"minSz"`
	}
	if err := json.Unmarshal(data, &instruments); err != nil {
		return SymbolFilters{}, fmt.Errorf("okx instruments decode: %w", err)
	}
	if len(instruments) == 0 {
		return SymbolFilters{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, wire)
	}

	inst := instruments[0]
	filters := SymbolFilters{
		StepSize: ParseStep(inst.LotSz),
		TickSize: ParseStep(inst.TickSz),
		MinQty:   ParseStep(inst.MinSz),
	}
	c.filters.Set(key, filters)
	return filters, nil
}

func (c *OKXClient) PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueOKX, marketType)
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
		"instId":  wire,
		"tdMode":  okxTradeMode(marketType),
		"side":    side,
		"ordType": "limit",
		"sz":      qtyStr,
		"px":      priceStr,
	}
	if clientOrderID != "" {
		body["clOrdId"] = clientOrderID
	}
	return c.submitOrder(ctx, wire, marketType, side, clientOrderID, body)
}

func (c *OKXClient) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := symbols.Project(symbol, symbols.VenueOKX, marketType)
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
		"instId":  wire,
		"tdMode":  okxTradeMode(marketType),
		"side":    side,
		"ordType": "market",
		"sz":      qtyStr,
	}
	if marketType == MarketSpot {
		// Market quantity stays in base units rather than quote
		body["tgtCcy"] = "base_ccy"
	}
	if clientOrderID != "" {
		body["clOrdId"] = clientOrderID
	}
	return c.submitOrder(ctx, wire, marketType, side, clientOrderID, body)
}

// submitOrder attaches posSide for swap orders first; accounts in net mode
// reject it, in which case the order is retried without.
func (c *OKXClient) submitOrder(ctx context.Context, wire, marketType, side, clientOrderID string, body map[string]interface{}) (*OrderResult, error) {
	if marketType == MarketSwap {
		body["posSide"] = okxPosSide(side)
	}

	data, err := c.postOrder(ctx, body)
	if err != nil && marketType == MarketSwap {
		var business *VenueBusinessError
		if asBusiness(err, &business) {
			delete(body, "posSide")
			data, err = c.postOrder(ctx, body)
		}
	}
	if err != nil {
		return nil, err
	}

	var created []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("okx order decode: %w", err)
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("okx order: empty response")
	}
	if created[0].SCode != "" && created[0].SCode != "0" {
		return nil, &VenueBusinessError{Venue: symbols.VenueOKX, Code: created[0].SCode, Message: created[0].SMsg}
	}

	order, err := c.GetOrder(ctx, symbols.ParseWire(wire, symbols.VenueOKX), created[0].OrdID, marketType)
	if err != nil {
		return &OrderResult{
			Venue:           symbols.VenueOKX,
			ExchangeOrderID: created[0].OrdID,
			ClientOrderID:   clientOrderID,
			Status:          StatusNew,
		}, nil
	}
	return order, nil
}

func (c *OKXClient) postOrder(ctx context.Context, body map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.signed(ctx, http.MethodPost, "/api/v5/trade/order", string(payload))
}

func (c *OKXClient) CancelOrder(ctx context.Context, symbol, orderID, marketType string) error {
	wire := symbols.Project(symbol, symbols.VenueOKX, marketType)
	payload, err := json.Marshal(map[string]string{"instId": wire, "ordId": orderID})
	if err != nil {
		return err
	}
	_, err = c.signed(ctx, http.MethodPost, "/api/v5/trade/cancel-order", string(payload))
	return err
}

func (c *OKXClient) GetOrder(ctx context.Context, symbol, orderID, marketType string) (*OrderResult, error) {
	wire := symbols.Project(symbol, symbols.VenueOKX, marketType)
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", url.QueryEscape(wire), url.QueryEscape(orderID))
	data, err := c.signed(ctx, http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}
	var orders []struct {
		OrdID     string `json:"ordId"`
		ClOrdID   string `json:"clOrdId"`
		State     string `json:"state"`
		AccFillSz string `json:"accFillSz"`
		AvgPx     string `json:"avgPx"`
		Fee       string `json:"fee"`
		FeeCcy    string `json:"feeCcy"`
	}
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("okx order decode: %w", err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	o := orders[0]
	result := &OrderResult{
		Venue:           symbols.VenueOKX,
		ExchangeOrderID: o.OrdID,
		ClientOrderID:   o.ClOrdID,
		Filled:          parseFloat(o.AccFillSz),
		AvgPrice:        parseFloat(o.AvgPx),
		Status:          normalizeOKXStatus(o.State),
	}
	if result.Filled > 0 {
		// OKX reports fees as negative deltas
		result.Fee = math.Abs(parseFloat(o.Fee))
		result.FeeCcy = o.FeeCcy
	}
	return result, nil
}

func (c *OKXClient) GetBalance(ctx context.Context, marketType string) (*Balance, error) {
	data, err := c.signed(ctx, http.MethodGet, "/api/v5/account/balance?ccy=USDT", "")
	if err != nil {
		return nil, err
	}
	var accounts []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
			Eq       string `json:"eq"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("okx balance decode: %w", err)
	}
	for _, account := range accounts {
		for _, detail := range account.Details {
			if detail.Ccy == "USDT" {
				return &Balance{
					Available: parseFloat(detail.AvailBal),
					Total:     parseFloat(detail.Eq),
					Currency:  "USDT",
				}, nil
			}
		}
	}
	return &Balance{Currency: "USDT"}, nil
}

// GetAssetBalance returns the free spot balance of one asset
func (c *OKXClient) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	data, err := c.signed(ctx, http.MethodGet, "/api/v5/account/balance?ccy="+asset, "")
	if err != nil {
		return 0, err
	}
	var accounts []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return 0, fmt.Errorf("okx balance decode: %w", err)
	}
	for _, account := range accounts {
		for _, detail := range account.Details {
			if detail.Ccy == asset {
				return parseFloat(detail.AvailBal), nil
			}
		}
	}
	return 0, nil
}

func (c *OKXClient) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	path := "/api/v5/account/positions?instType=SWAP"
	if symbol != "" {
		if wire := symbols.Project(symbol, symbols.VenueOKX, MarketSwap); wire != "" {
			path += "&instId=" + url.QueryEscape(wire)
		}
	}
	data, err := c.signed(ctx, http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}
	var positions []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Upl     string `json:"upl"`
		Lever   string `json:"lever"`
	}
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("okx positions decode: %w", err)
	}

	var out []Position
	for _, p := range positions {
		size := parseFloat(p.Pos)
		if size == 0 {
			continue
		}
		side := p.PosSide
		if side == "" || side == "net" {
			side = "long"
			if size < 0 {
				side = "short"
			}
		}
		out = append(out, Position{
			Symbol:        symbols.ParseWire(p.InstID, symbols.VenueOKX),
			Side:          side,
			Size:          math.Abs(size),
			EntryPrice:    parseFloat(p.AvgPx),
			MarkPrice:     parseFloat(p.MarkPx),
			UnrealizedPnl: parseFloat(p.Upl),
			Leverage:      int(parseFloat(p.Lever)),
		})
	}
	return out, nil
}

// SetLeverage uses inst_id-style addressing per the v5 account API
func (c *OKXClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	wire := symbols.Project(symbol, symbols.VenueOKX, MarketSwap)
	if wire == "" {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	payload, err := json.Marshal(map[string]string{
		"instId":  wire,
		"lever":   fmt.Sprintf("%d", leverage),
		"mgnMode": "cross",
	})
	if err != nil {
		return err
	}
	_, err = c.signed(ctx, http.MethodPost, "/api/v5/account/set-leverage", string(payload))
	return err
}

func okxTradeMode(marketType string) string {
	if marketType == MarketSwap {
		return "cross"
	}
	return "cash"
}

func okxPosSide(side string) string {
	if side == SideSell {
		return "short"
	}
	return "long"
}

func normalizeOKXStatus(state string) string {
	switch state {
	case "live":
		return StatusNew
	case "partially_filled":
		return StatusPartial
	case "filled":
		return StatusFilled
	case "canceled", "mmp_canceled":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}
