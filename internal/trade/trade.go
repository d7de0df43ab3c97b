// Package trade orchestrates quick-trade execution: credential resolution,
// market-type derivation, USDT sizing, dispatch to a venue client, and the
// trade ledger.
package trade

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/exchange"
	"github.com/quantdesk/quantdesk/internal/metrics"
	"github.com/quantdesk/quantdesk/internal/symbols"
)

// Trade signals accepted by PlaceOrder
const (
	SignalBuy        = "buy"
	SignalSell       = "sell"
	SignalOpenLong   = "open_long"
	SignalCloseLong  = "close_long"
	SignalOpenShort  = "open_short"
	SignalCloseShort = "close_short"
)

// Order types
const (
	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"
)

// ErrInvalidSignal rejects signals outside the accepted set
var ErrInvalidSignal = fmt.Errorf("invalid trade signal")

// CredentialSource resolves stored credentials
type CredentialSource interface {
	Get(ctx context.Context, id string) (*exchange.Credential, error)
}

// ClientFactory builds a venue client from a credential
type ClientFactory func(cred exchange.Credential) (exchange.Client, error)

// PlaceOrderRequest is one quick-trade submission. AmountUSDT is the
// position size in quote currency; leverage 1 trades spot, anything
// higher trades the USDT perpetual regardless of the requested market.
type PlaceOrderRequest struct {
	CredentialID string  `json:"credential_id"`
	UserID       string  `json:"user_id"`
	Symbol       string  `json:"symbol"`
	Signal       string  `json:"signal"`
	OrderType    string  `json:"order_type"`
	AmountUSDT   float64 `json:"amount_usdt"`
	Price        float64 `json:"price,omitempty"`
	Leverage     int     `json:"leverage"`
}

// PlaceOrderResult reports the outcome plus the ledger row id
type PlaceOrderResult struct {
	TradeID    string  `json:"trade_id"`
	OrderID    string  `json:"order_id"`
	ClientID   string  `json:"client_order_id"`
	Symbol     string  `json:"symbol"`
	MarketType string  `json:"market_type"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	Filled     float64 `json:"filled"`
	AvgPrice   float64 `json:"avg_price"`
	Fee        float64 `json:"fee"`
	FeeCcy     string  `json:"fee_ccy,omitempty"`
	Status     string  `json:"status"`
}

// ClosePositionRequest closes up to AmountUSDT of an open position; zero
// closes the whole position
type ClosePositionRequest struct {
	CredentialID string  `json:"credential_id"`
	UserID       string  `json:"user_id"`
	Symbol       string  `json:"symbol"`
	MarketType   string  `json:"market_type"`
	AmountUSDT   float64 `json:"amount_usdt,omitempty"`
}

// Service wires credentials, venue clients, and the ledger
type Service struct {
	creds   CredentialSource
	store   *Store
	clients ClientFactory
}

// NewService builds the orchestrator; a nil factory uses the live venue
// clients
func NewService(creds CredentialSource, store *Store, clients ClientFactory) *Service {
	if clients == nil {
		clients = exchange.NewClient
	}
	return &Service{creds: creds, store: store, clients: clients}
}

// PlaceOrder runs the quick-trade path. The ledger row is written on
// every attempt, including failures.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	canonical, _ := symbols.Normalize(req.Symbol)
	if canonical == "" {
		return nil, fmt.Errorf("unresolvable symbol: %q", req.Symbol)
	}
	if req.AmountUSDT <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %v", req.AmountUSDT)
	}
	if req.Leverage < 1 {
		req.Leverage = 1
	}
	orderType := strings.ToLower(req.OrderType)
	if orderType != OrderTypeLimit && orderType != OrderTypeMarket {
		return nil, fmt.Errorf("invalid order type: %q", req.OrderType)
	}

	// Leverage decides the venue market, not the caller
	marketType := exchange.MarketSpot
	if req.Leverage > 1 {
		marketType = exchange.MarketSwap
	}

	side, err := mapSignal(req.Signal, marketType)
	if err != nil {
		return nil, err
	}

	cred, err := s.creds.Get(ctx, req.CredentialID)
	if err != nil {
		return nil, err
	}
	client, err := s.clients(*cred)
	if err != nil {
		return nil, err
	}

	ledger := &Record{
		UserID:       req.UserID,
		CredentialID: req.CredentialID,
		Exchange:     client.Name(),
		Symbol:       canonical,
		MarketType:   marketType,
		Side:         side,
		OrderType:    orderType,
		Signal:       strings.ToLower(req.Signal),
		AmountUSDT:   req.AmountUSDT,
		Price:        req.Price,
		Leverage:     req.Leverage,
	}

	quantity, err := s.sizeOrder(ctx, client, canonical, marketType, orderType, req.AmountUSDT, req.Price)
	if err != nil {
		s.recordFailure(ctx, ledger, err)
		metrics.RecordOrder(client.Name(), err)
		return nil, err
	}
	ledger.Quantity = quantity

	if marketType == exchange.MarketSwap && req.Leverage > 1 {
		if err := client.SetLeverage(ctx, canonical, req.Leverage); err != nil {
			log.Warn().Err(err).
				Str("exchange", client.Name()).
				Str("symbol", canonical).
				Int("leverage", req.Leverage).
				Msg("set leverage failed, continuing")
		}
	}

	clientOrderID := NewClientOrderID()
	ledger.ClientOrderID = clientOrderID

	var order *exchange.OrderResult
	if orderType == OrderTypeLimit {
		order, err = client.PlaceLimitOrder(ctx, canonical, side, quantity, req.Price, marketType, clientOrderID)
	} else {
		order, err = client.PlaceMarketOrder(ctx, canonical, side, quantity, marketType, clientOrderID)
	}
	metrics.RecordOrder(client.Name(), err)
	if err != nil {
		s.recordFailure(ctx, ledger, err)
		return nil, err
	}

	ledger.ExchangeOrderID = order.ExchangeOrderID
	ledger.Filled = order.Filled
	ledger.AvgPrice = order.AvgPrice
	ledger.Fee = order.Fee
	ledger.FeeCcy = order.FeeCcy
	ledger.Status = order.Status
	if err := s.store.Insert(ctx, ledger); err != nil {
		log.Error().Err(err).Str("order_id", order.ExchangeOrderID).Msg("trade ledger write failed")
	}

	return &PlaceOrderResult{
		TradeID:    ledger.ID,
		OrderID:    order.ExchangeOrderID,
		ClientID:   clientOrderID,
		Symbol:     canonical,
		MarketType: marketType,
		Side:       side,
		Quantity:   quantity,
		Filled:     order.Filled,
		AvgPrice:   order.AvgPrice,
		Fee:        order.Fee,
		FeeCcy:     order.FeeCcy,
		Status:     order.Status,
	}, nil
}

// sizeOrder converts the USDT amount into base quantity. Limit orders use
// the caller's price; market orders need a live ticker. No usable price
// aborts before anything reaches the venue.
func (s *Service) sizeOrder(ctx context.Context, client exchange.Client, symbol, marketType, orderType string, amountUSDT, price float64) (float64, error) {
	ref := price
	if orderType == OrderTypeMarket || ref <= 0 {
		last, err := client.GetTicker(ctx, symbol, marketType)
		if err == nil && last > 0 {
			ref = last
		} else if ref <= 0 {
			log.Error().
				Str("exchange", client.Name()).
				Str("symbol", symbol).
				Msg("no price available to size order, aborting")
			return 0, fmt.Errorf("%w: %s on %s", exchange.ErrPriceUnavailable, symbol, client.Name())
		}
	}
	return amountUSDT / ref, nil
}

// ClosePosition closes an open position (or long spot holding) with a
// market order
func (s *Service) ClosePosition(ctx context.Context, req ClosePositionRequest) (*PlaceOrderResult, error) {
	canonical, base := symbols.Normalize(req.Symbol)
	if canonical == "" {
		return nil, fmt.Errorf("unresolvable symbol: %q", req.Symbol)
	}
	cred, err := s.creds.Get(ctx, req.CredentialID)
	if err != nil {
		return nil, err
	}
	client, err := s.clients(*cred)
	if err != nil {
		return nil, err
	}

	marketType := strings.ToLower(req.MarketType)
	if marketType == "" {
		marketType = exchange.MarketSwap
	}

	var side string
	var size float64
	var markPrice, entryPrice float64

	if marketType == exchange.MarketSpot {
		// Spot positions are just holdings; only longs exist
		side = exchange.SideSell
		holding, err := client.GetAssetBalance(ctx, base)
		if err != nil {
			return nil, err
		}
		if holding <= 0 {
			return nil, fmt.Errorf("%w: no %s holding to close on spot", exchange.ErrUnsupportedOperation, base)
		}
		size = holding

		last, err := client.GetTicker(ctx, canonical, exchange.MarketSpot)
		if err == nil && last > 0 {
			markPrice = last
		}
		// Zero requested amount closes the whole holding
		if req.AmountUSDT > 0 {
			if markPrice <= 0 {
				return nil, fmt.Errorf("%w: %s", exchange.ErrPriceUnavailable, canonical)
			}
			requested := req.AmountUSDT / markPrice
			if requested < size {
				size = requested
			}
		}
	} else {
		positions, err := client.GetPositions(ctx, canonical)
		if err != nil {
			return nil, err
		}
		var match *exchange.Position
		for i := range positions {
			if positions[i].Symbol == canonical {
				match = &positions[i]
				break
			}
		}
		if match == nil {
			return nil, fmt.Errorf("%w: %s", exchange.ErrPositionNotFound, canonical)
		}

		// Closing a long sells, closing a short buys back
		side = exchange.SideSell
		if match.Side == "short" {
			side = exchange.SideBuy
		}
		size = match.Size
		markPrice = match.MarkPrice
		entryPrice = match.EntryPrice
		if req.AmountUSDT > 0 {
			ref := markPrice
			if ref <= 0 {
				ref = entryPrice
			}
			if ref > 0 {
				requested := req.AmountUSDT / ref
				if requested < size {
					size = requested
				}
			}
		}
	}

	clientOrderID := NewClientOrderID()
	order, err := client.PlaceMarketOrder(ctx, canonical, side, size, marketType, clientOrderID)
	metrics.RecordOrder(client.Name(), err)

	ledger := &Record{
		UserID:        req.UserID,
		CredentialID:  req.CredentialID,
		Exchange:      client.Name(),
		Symbol:        canonical,
		MarketType:    marketType,
		Side:          side,
		OrderType:     OrderTypeMarket,
		Signal:        closeSignal(side, marketType),
		Quantity:      size,
		Leverage:      1,
		ClientOrderID: clientOrderID,
	}
	if err != nil {
		s.recordFailure(ctx, ledger, err)
		return nil, err
	}

	// USDT reconciliation prefers the actual fill, then mark, then entry
	ref := order.AvgPrice
	if ref <= 0 {
		ref = markPrice
	}
	if ref <= 0 {
		ref = entryPrice
	}
	ledger.AmountUSDT = order.Filled * ref
	ledger.ExchangeOrderID = order.ExchangeOrderID
	ledger.Filled = order.Filled
	ledger.AvgPrice = order.AvgPrice
	ledger.Fee = order.Fee
	ledger.FeeCcy = order.FeeCcy
	ledger.Status = order.Status
	if err := s.store.Insert(ctx, ledger); err != nil {
		log.Error().Err(err).Str("order_id", order.ExchangeOrderID).Msg("trade ledger write failed")
	}

	return &PlaceOrderResult{
		TradeID:    ledger.ID,
		OrderID:    order.ExchangeOrderID,
		ClientID:   clientOrderID,
		Symbol:     canonical,
		MarketType: marketType,
		Side:       side,
		Quantity:   size,
		Filled:     order.Filled,
		AvgPrice:   order.AvgPrice,
		Fee:        order.Fee,
		FeeCcy:     order.FeeCcy,
		Status:     order.Status,
	}, nil
}

// GetBalance resolves the credential and returns the uniform balance
func (s *Service) GetBalance(ctx context.Context, credentialID, marketType string) (*exchange.Balance, error) {
	cred, err := s.creds.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	client, err := s.clients(*cred)
	if err != nil {
		return nil, err
	}
	if marketType == "" {
		marketType = exchange.MarketSpot
	}
	return client.GetBalance(ctx, marketType)
}

// GetPositions resolves the credential and lists open positions
func (s *Service) GetPositions(ctx context.Context, credentialID, symbol string) ([]exchange.Position, error) {
	cred, err := s.creds.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	client, err := s.clients(*cred)
	if err != nil {
		return nil, err
	}
	return client.GetPositions(ctx, symbol)
}

// History pages the user's ledger
func (s *Service) History(ctx context.Context, userID string, page, pageSize int) ([]Record, int, error) {
	return s.store.History(ctx, userID, page, pageSize)
}

func (s *Service) recordFailure(ctx context.Context, ledger *Record, cause error) {
	ledger.Status = StatusFailed
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	ledger.ErrorMsg = msg
	if err := s.store.Insert(ctx, ledger); err != nil {
		log.Error().Err(err).Str("symbol", ledger.Symbol).Msg("trade ledger write failed")
	}
}

// mapSignal resolves a trade signal to a venue side for the market type.
// Spot has no shorts: sell-side signals mean reducing the holding.
func mapSignal(signal, marketType string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(signal))
	if marketType == exchange.MarketSpot {
		switch s {
		case SignalBuy, SignalOpenLong:
			return exchange.SideBuy, nil
		case SignalSell, SignalCloseLong:
			return exchange.SideSell, nil
		case SignalOpenShort, SignalCloseShort:
			return "", fmt.Errorf("%w: spot cannot short", exchange.ErrUnsupportedOperation)
		}
		return "", fmt.Errorf("%w: %q", ErrInvalidSignal, signal)
	}

	switch s {
	case SignalBuy, SignalOpenLong, SignalCloseShort:
		return exchange.SideBuy, nil
	case SignalSell, SignalOpenShort, SignalCloseLong:
		return exchange.SideSell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSignal, signal)
}

func closeSignal(side, marketType string) string {
	if marketType == exchange.MarketSwap && side == exchange.SideBuy {
		return SignalCloseShort
	}
	return SignalCloseLong
}

// NewClientOrderID builds a ≤32-char alphanumeric id from the last six
// digits of the epoch seconds plus eight hex chars
func NewClientOrderID() string {
	secs := strconv.FormatInt(time.Now().Unix(), 10)
	if len(secs) > 6 {
		secs = secs[len(secs)-6:]
	}
	hexPart := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "qt" + secs + hexPart
}
