package exchange

import (
	"context"
	"fmt"
	"strconv"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/symbols"
)

// BinanceClient trades spot through the spot REST API and swap through the
// USD-M futures API, both via the official SDK wrapper.
type BinanceClient struct {
	spot    *binance.Client
	futures *futures.Client
	filters *FilterCache
}

// NewBinanceClient builds a client from a stored credential
func NewBinanceClient(cred Credential) *BinanceClient {
	if cred.Testnet {
		binance.UseTestnet = true
		futures.UseTestnet = true
	}
	return &BinanceClient{
		spot:    binance.NewClient(cred.APIKey, cred.SecretKey),
		futures: futures.NewClient(cred.APIKey, cred.SecretKey),
		filters: NewFilterCache(),
	}
}

func (c *BinanceClient) Name() string { return symbols.VenueBinance }

func (c *BinanceClient) Ping(ctx context.Context) error {
	return c.spot.NewPingService().Do(ctx)
}

func (c *BinanceClient) wire(symbol, marketType string) string {
	return symbols.Project(symbol, symbols.VenueBinance, marketType)
}

// GetTicker returns the last traded price
func (c *BinanceClient) GetTicker(ctx context.Context, symbol, marketType string) (float64, error) {
	wire := c.wire(symbol, marketType)
	if wire == "" {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	if marketType == MarketSwap {
		prices, err := c.futures.NewListPricesService().Symbol(wire).Do(ctx)
		if err != nil {
			return 0, fmt.Errorf("binance futures ticker: %w", err)
		}
		if len(prices) == 0 {
			return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
		}
		return parseFloat(prices[0].Price), nil
	}

	prices, err := c.spot.NewListPricesService().Symbol(wire).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance ticker: %w", err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return parseFloat(prices[0].Price), nil
}

// symbolFilters fetches LOT_SIZE and PRICE_FILTER for the wire symbol,
// serving from cache within the TTL
func (c *BinanceClient) symbolFilters(ctx context.Context, wire, marketType string) (SymbolFilters, error) {
	key := marketType + ":" + wire
	if f, ok := c.filters.Get(key); ok {
		return f, nil
	}

	var filters SymbolFilters
	if marketType == MarketSwap {
		info, err := c.futures.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return filters, fmt.Errorf("binance futures exchange info: %w", err)
		}
		for i := range info.Symbols {
			s := &info.Symbols[i]
			if s.Symbol != wire {
				continue
			}
			if lot := s.LotSizeFilter(); lot != nil {
				filters.StepSize = ParseStep(lot.StepSize)
				filters.MinQty = ParseStep(lot.MinQuantity)
			}
			if pf := s.PriceFilter(); pf != nil {
				filters.TickSize = ParseStep(pf.TickSize)
				filters.MinPrice = ParseStep(pf.MinPrice)
			}
			c.filters.Set(key, filters)
			return filters, nil
		}
		return filters, fmt.Errorf("%w: %s", ErrSymbolNotFound, wire)
	}

	info, err := c.spot.NewExchangeInfoService().Symbols(wire).Do(ctx)
	if err != nil {
		return filters, fmt.Errorf("binance exchange info: %w", err)
	}
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != wire {
			continue
		}
		if lot := s.LotSizeFilter(); lot != nil {
			filters.StepSize = ParseStep(lot.StepSize)
			filters.MinQty = ParseStep(lot.MinQuantity)
		}
		if pf := s.PriceFilter(); pf != nil {
			filters.TickSize = ParseStep(pf.TickSize)
			filters.MinPrice = ParseStep(pf.MinPrice)
		}
		c.filters.Set(key, filters)
		return filters, nil
	}
	return filters, fmt.Errorf("%w: %s", ErrSymbolNotFound, wire)
}

// PlaceLimitOrder submits a GTC limit order
func (c *BinanceClient) PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := c.wire(symbol, marketType)
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
		svc := c.futures.NewCreateOrderService().
			Symbol(wire).
			Side(futuresSide(side)).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(qtyStr).
			Price(priceStr)
		if clientOrderID != "" {
			svc = svc.NewClientOrderID(clientOrderID)
		}
		resp, err := svc.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance futures limit order: %w", err)
		}
		return c.futuresOrderResult(ctx, wire, resp.OrderID, string(resp.Status),
			parseFloat(resp.ExecutedQuantity), parseFloat(resp.AvgPrice), resp.ClientOrderID)
	}

	svc := c.spot.NewCreateOrderService().
		Symbol(wire).
		Side(spotSide(side)).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(qtyStr).
		Price(priceStr)
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance limit order: %w", err)
	}
	return c.spotOrderResult(ctx, wire, resp.OrderID, string(resp.Status),
		parseFloat(resp.ExecutedQuantity), parseFloat(resp.CummulativeQuoteQuantity), resp.ClientOrderID)
}

// PlaceMarketOrder submits a market order in base quantity
func (c *BinanceClient) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, marketType, clientOrderID string) (*OrderResult, error) {
	if !ValidSide(side) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	wire := c.wire(symbol, marketType)
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
		svc := c.futures.NewCreateOrderService().
			Symbol(wire).
			Side(futuresSide(side)).
			Type(futures.OrderTypeMarket).
			Quantity(qtyStr)
		if clientOrderID != "" {
			svc = svc.NewClientOrderID(clientOrderID)
		}
		resp, err := svc.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance futures market order: %w", err)
		}
		return c.futuresOrderResult(ctx, wire, resp.OrderID, string(resp.Status),
			parseFloat(resp.ExecutedQuantity), parseFloat(resp.AvgPrice), resp.ClientOrderID)
	}

	svc := c.spot.NewCreateOrderService().
		Symbol(wire).
		Side(spotSide(side)).
		Type(binance.OrderTypeMarket).
		Quantity(qtyStr)
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance market order: %w", err)
	}
	return c.spotOrderResult(ctx, wire, resp.OrderID, string(resp.Status),
		parseFloat(resp.ExecutedQuantity), parseFloat(resp.CummulativeQuoteQuantity), resp.ClientOrderID)
}

// CancelOrder cancels by exchange order id
func (c *BinanceClient) CancelOrder(ctx context.Context, symbol, orderID, marketType string) error {
	wire := c.wire(symbol, marketType)
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	if marketType == MarketSwap {
		_, err = c.futures.NewCancelOrderService().Symbol(wire).OrderID(id).Do(ctx)
		if err != nil {
			return fmt.Errorf("binance futures cancel: %w", err)
		}
		return nil
	}
	_, err = c.spot.NewCancelOrderService().Symbol(wire).OrderID(id).Do(ctx)
	if err != nil {
		return fmt.Errorf("binance cancel: %w", err)
	}
	return nil
}

// GetOrder fetches the current order state
func (c *BinanceClient) GetOrder(ctx context.Context, symbol, orderID, marketType string) (*OrderResult, error) {
	wire := c.wire(symbol, marketType)
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	if marketType == MarketSwap {
		order, err := c.futures.NewGetOrderService().Symbol(wire).OrderID(id).Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance futures get order: %w", err)
		}
		return c.futuresOrderResult(ctx, wire, order.OrderID, string(order.Status),
			parseFloat(order.ExecutedQuantity), parseFloat(order.AvgPrice), order.ClientOrderID)
	}

	order, err := c.spot.NewGetOrderService().Symbol(wire).OrderID(id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance get order: %w", err)
	}
	return c.spotOrderResult(ctx, wire, order.OrderID, string(order.Status),
		parseFloat(order.ExecutedQuantity), parseFloat(order.CummulativeQuoteQuantity), order.ClientOrderID)
}

// GetBalance returns the USDT balance for a market type
func (c *BinanceClient) GetBalance(ctx context.Context, marketType string) (*Balance, error) {
	if marketType == MarketSwap {
		balances, err := c.futures.NewGetBalanceService().Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance futures balance: %w", err)
		}
		for _, b := range balances {
			if b.Asset == "USDT" {
				return &Balance{
					Available: parseFloat(b.AvailableBalance),
					Total:     parseFloat(b.Balance),
					Currency:  "USDT",
				}, nil
			}
		}
		return &Balance{Currency: "USDT"}, nil
	}

	account, err := c.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance account: %w", err)
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
func (c *BinanceClient) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	account, err := c.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance account: %w", err)
	}
	for _, b := range account.Balances {
		if b.Asset == asset {
			return parseFloat(b.Free), nil
		}
	}
	return 0, nil
}

// GetPositions lists non-zero swap positions
func (c *BinanceClient) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	svc := c.futures.NewGetPositionRiskService()
	if symbol != "" {
		if wire := c.wire(symbol, MarketSwap); wire != "" {
			svc = svc.Symbol(wire)
		}
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance positions: %w", err)
	}

	var out []Position
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		size := amt
		if amt < 0 {
			side = "short"
			size = -amt
		}
		out = append(out, Position{
			Symbol:        symbols.ParseWire(r.Symbol, symbols.VenueBinance),
			Side:          side,
			Size:          size,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnl: parseFloat(r.UnRealizedProfit),
			Leverage:      int(parseFloat(r.Leverage)),
		})
	}
	return out, nil
}

// SetLeverage changes futures leverage for a symbol
func (c *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	wire := c.wire(symbol, MarketSwap)
	if wire == "" {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	_, err := c.futures.NewChangeLeverageService().Symbol(wire).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("binance set leverage: %w", err)
	}
	return nil
}

// spotOrderResult normalizes a spot order, reconciling fees via myTrades
// when anything filled
func (c *BinanceClient) spotOrderResult(ctx context.Context, wire string, orderID int64, status string, executed, cumQuote float64, clientOrderID string) (*OrderResult, error) {
	result := &OrderResult{
		Venue:           symbols.VenueBinance,
		ExchangeOrderID: strconv.FormatInt(orderID, 10),
		ClientOrderID:   clientOrderID,
		Filled:          executed,
		Status:          normalizeBinanceStatus(status),
	}
	if executed > 0 {
		result.AvgPrice = cumQuote / executed
		result.Fee, result.FeeCcy = c.spotFees(ctx, wire, orderID)
	}
	return result, nil
}

func (c *BinanceClient) futuresOrderResult(ctx context.Context, wire string, orderID int64, status string, executed, avgPrice float64, clientOrderID string) (*OrderResult, error) {
	result := &OrderResult{
		Venue:           symbols.VenueBinance,
		ExchangeOrderID: strconv.FormatInt(orderID, 10),
		ClientOrderID:   clientOrderID,
		Filled:          executed,
		AvgPrice:        avgPrice,
		Status:          normalizeBinanceStatus(status),
	}
	if executed > 0 {
		result.Fee, result.FeeCcy = c.futuresFees(ctx, wire, orderID)
	}
	return result, nil
}

// spotFees sums per-order trade commissions, best effort
func (c *BinanceClient) spotFees(ctx context.Context, wire string, orderID int64) (float64, string) {
	trades, err := c.spot.NewListTradesService().Symbol(wire).OrderId(orderID).Do(ctx)
	if err != nil {
		log.Debug().Err(err).Str("symbol", wire).Msg("spot fee lookup failed")
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

func (c *BinanceClient) futuresFees(ctx context.Context, wire string, orderID int64) (float64, string) {
	trades, err := c.futures.NewListAccountTradeService().Symbol(wire).OrderID(orderID).Do(ctx)
	if err != nil {
		log.Debug().Err(err).Str("symbol", wire).Msg("futures fee lookup failed")
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

func spotSide(side string) binance.SideType {
	if side == SideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func futuresSide(side string) futures.SideType {
	if side == SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func normalizeBinanceStatus(status string) string {
	switch status {
	case "NEW":
		return StatusNew
	case "PARTIALLY_FILLED":
		return StatusPartial
	case "FILLED":
		return StatusFilled
	case "CANCELED", "EXPIRED":
		return StatusCancelled
	case "REJECTED":
		return StatusRejected
	default:
		return StatusUnknown
	}
}
